// Package transcript loads meeting transcriptions from files or web pages
// and normalizes them to plain Markdown text.
package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// DefaultMaxBytes bounds how much of a file or response is read.
const DefaultMaxBytes = 5 * 1024 * 1024

// ErrTooLarge is returned when a source exceeds the size limit.
var ErrTooLarge = errors.New("transcript source too large")

// Format is the kind of source a transcript was read from.
type Format string

// Source formats.
const (
	FormatText Format = "text"
	FormatHTML Format = "html"
	FormatWeb  Format = "web"
)

var excessiveLines = regexp.MustCompile(`\n{3,}`)

// Transcript is a loaded transcription.
type Transcript struct {
	Source string `json:"source"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text"`
	Format Format `json:"format"`
}

// Loader reads transcripts.
type Loader struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	logger    *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithHTTPClient sets the client used for URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

// WithMaxBytes sets the size limit.
func WithMaxBytes(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a loader with a 30 second HTTP timeout.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		client:    &http.Client{Timeout: 30 * time.Second},
		maxBytes:  DefaultMaxBytes,
		userAgent: "scopecraft/1.0",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads source, which is an http(s) URL or a file path.
func (l *Loader) Load(ctx context.Context, source string) (*Transcript, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return l.LoadURL(ctx, source)
	}
	return l.LoadFile(source)
}

// LoadFile reads a text, Markdown or HTML file.
func (l *Loader) LoadFile(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	data, err := l.readLimited(f)
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		title, text, err := ConvertHTML(data)
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", path, err)
		}
		return &Transcript{Source: path, Title: title, Text: text, Format: FormatHTML}, nil
	default:
		text := strings.TrimSpace(strings.ReplaceAll(string(data), "\r\n", "\n"))
		return &Transcript{Source: path, Text: text, Format: FormatText}, nil
	}
}

// LoadURL fetches a page and extracts its main content.
func (l *Loader) LoadURL(ctx context.Context, rawURL string) (*Transcript, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid transcript URL %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch transcript: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch transcript: HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := l.readLimited(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	if !strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "html") {
		return &Transcript{Source: rawURL, Text: strings.TrimSpace(string(body)), Format: FormatText}, nil
	}

	title, text, err := l.extractArticle(body, u)
	if err != nil {
		return nil, err
	}
	return &Transcript{Source: rawURL, Title: title, Text: text, Format: FormatWeb}, nil
}

// extractArticle keeps the readable part of a page, falling back to the
// whole document when readability finds nothing.
func (l *Loader) extractArticle(body []byte, u *url.URL) (string, string, error) {
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		text, convErr := toMarkdown(article.Content)
		if convErr == nil && text != "" {
			title := strings.TrimSpace(article.Title)
			if title == "" {
				title = htmlTitle(body)
			}
			return title, text, nil
		}
	}
	if err != nil {
		l.logger.Debug("Readability extraction failed, converting whole page", "url", u.String(), "error", err)
	}
	return ConvertHTML(body)
}

// ConvertHTML converts an HTML document to Markdown and returns its title.
func ConvertHTML(data []byte) (string, string, error) {
	text, err := toMarkdown(string(data))
	if err != nil {
		return "", "", err
	}
	return htmlTitle(data), text, nil
}

func toMarkdown(content string) (string, error) {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	converter.Remove("script", "style", "noscript", "title")

	out, err := converter.ConvertString(content)
	if err != nil {
		return "", err
	}
	out = excessiveLines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out), nil
}

// htmlTitle returns the text of the first <title> element.
func htmlTitle(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return ""
	}

	var title string
	var find func(*html.Node)
	find = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	return title
}

func (l *Loader) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("%w (limit %d bytes)", ErrTooLarge, l.maxBytes)
	}
	return data, nil
}
