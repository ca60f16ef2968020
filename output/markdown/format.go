// Package markdown turns raw model output into the clean Markdown stored as
// a scope document.
package markdown

import (
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"

	"github.com/c360studio/scopecraft/llm"
)

var (
	wordCountPattern = regexp.MustCompile(`\s*<!-- word count: \d+ -->\s*$`)
	numberedItem     = regexp.MustCompile(`^[1-5]\.`)
	closingTag       = regexp.MustCompile(`</[A-Za-z][A-Za-z0-9]*>`)
)

// sections whose numbered items are separated by blank lines in the
// structured variant.
var spacedSections = []string{"requirements", "assumptions"}

// Format cleans raw model output: it unwraps a fenced Markdown block,
// converts HTML, puts a blank line before every heading and appends a
// word-count trailer. Formatting already-formatted text only recomputes
// the trailer.
func Format(raw string) string {
	return format(raw, false)
}

// FormatStructured is Format plus blank lines before numbered items in the
// Requirements and Assumptions sections.
func FormatStructured(raw string) string {
	return format(raw, true)
}

func format(raw string, structured bool) string {
	body, formatted := StripWordCount(raw)
	if !formatted {
		body = prepare(body)
	}
	return WithWordCount(normalize(body, structured))
}

// FormatStructuredParts formats separately generated parts of one document.
// Each part is unwrapped on its own, then the parts are joined in order.
func FormatStructuredParts(parts ...string) string {
	prepared := make([]string, 0, len(parts))
	for _, part := range parts {
		body, _ := StripWordCount(part)
		if body = strings.TrimSpace(prepare(body)); body != "" {
			prepared = append(prepared, body)
		}
	}
	return WithWordCount(normalize(strings.Join(prepared, "\n\n"), true))
}

// WithWordCount replaces any word-count trailer on text with a fresh one.
func WithWordCount(text string) string {
	body, _ := StripWordCount(text)
	body = strings.TrimSpace(body)
	return fmt.Sprintf("%s\n\n<!-- word count: %d -->", body, WordCount(body))
}

// prepare unwraps fenced output and converts HTML.
func prepare(text string) string {
	body := Extract(text)
	if looksLikeHTML(body) {
		if converted, err := htmlToMarkdown(body); err == nil {
			body = converted
		}
	}
	return body
}

// StripWordCount removes a trailing word-count comment. The boolean reports
// whether one was present.
func StripWordCount(text string) (string, bool) {
	loc := wordCountPattern.FindStringIndex(text)
	if loc == nil {
		return text, false
	}
	return text[:loc[0]], true
}

// WordCount counts whitespace-separated words, ignoring any word-count trailer.
func WordCount(text string) int {
	body, _ := StripWordCount(text)
	return len(strings.Fields(body))
}

// Extract returns the interior of the first Markdown-tagged fenced block,
// else of the first fenced block, else text unchanged.
func Extract(text string) string {
	if body, ok := llm.ExtractFenced(text, "markdown"); ok {
		return body
	}
	if body, ok := llm.ExtractFenced(text, "md"); ok {
		return body
	}
	if body, ok := llm.ExtractFenced(text, ""); ok {
		return body
	}
	return text
}

func looksLikeHTML(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "<") && closingTag.MatchString(trimmed)
}

func htmlToMarkdown(html string) (string, error) {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return converter.ConvertString(html)
}

// normalize applies the line rules outside fenced code: headings are
// trimmed and preceded by exactly one blank line, runs of blank lines
// collapse to one.
func normalize(text string, structured bool) string {
	var out []string
	inFence := false
	spaced := false

	lastBlank := func() bool {
		return len(out) == 0 || strings.TrimSpace(out[len(out)-1]) == ""
	}
	ensureBlank := func() {
		if !lastBlank() {
			out = append(out, "")
		}
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}

		switch {
		case trimmed == "":
			if !lastBlank() {
				out = append(out, "")
			}
		case strings.HasPrefix(trimmed, "#"):
			if strings.HasPrefix(trimmed, "## ") {
				spaced = isSpacedSection(trimmed)
			} else if strings.HasPrefix(trimmed, "# ") {
				spaced = false
			}
			ensureBlank()
			out = append(out, trimmed)
		case structured && spaced && numberedItem.MatchString(line):
			ensureBlank()
			out = append(out, strings.TrimRight(line, " \t"))
		default:
			out = append(out, strings.TrimRight(line, " \t"))
		}
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

func isSpacedSection(heading string) bool {
	lower := strings.ToLower(heading)
	for _, s := range spacedSections {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
