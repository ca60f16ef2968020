// Package main implements a mock LLM server for offline scopecraft runs.
// It serves OpenAI-compatible /v1/chat/completions responses from fixture
// files, routing by the X-Scope-Phase header the scopecraft client sends and
// falling back to the request's "model" field.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixture files are named by routing key: "analysis.json", "follow_up.json",
// "document.md", or a model name such as "mock-writer.md". Phases with a
// part suffix (document_overview) fall back to their base phase (document).
// A "default" fixture answers anything else. JSON fixtures must be valid
// JSON; .md and .txt fixtures are served verbatim.
//
// Sequential fixtures: numbered files ("follow_up.1.json", "follow_up.2.json")
// are served in order, then the base file repeats. A fixture with the .status
// extension holds an HTTP status code to fail with, for example
// "document.1.status" containing "503" to exercise client retries.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/scopecraft/llm"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Fixtures ---

// fixture is one canned reply: either content or an HTTP failure status.
type fixture struct {
	Content string
	Status  int
}

// defaultKey answers requests no other fixture matches.
const defaultKey = "default"

// --- Server ---

// capturedRequest stores the key fields of an incoming request for test verification.
type capturedRequest struct {
	Key       string        `json:"key"`
	Phase     string        `json:"phase,omitempty"`
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per-key call number
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]fixture // routing key → ordered fixtures
	calls    atomic.Int64
	logger   *slog.Logger

	mu       sync.Mutex
	keyCalls map[string]int
	requests map[string][]capturedRequest
}

func newServer(fixtures map[string][]fixture, logger *slog.Logger) *server {
	return &server{
		fixtures: fixtures,
		logger:   logger,
		keyCalls: make(map[string]int),
		requests: make(map[string][]capturedRequest),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Allow env var override
	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	for key, seq := range fixtures {
		logger.Info("Loaded fixtures", "key", key, "count", len(seq))
	}

	s := newServer(fixtures, logger)
	addr := fmt.Sprintf(":%d", *port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Mock LLM server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /requests", s.handleRequests)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// resolve picks the fixture key for a request: phase, base phase, model,
// model without "mock-", then default.
func (s *server) resolve(phase, model string) (string, bool) {
	var candidates []string
	if phase != "" {
		candidates = append(candidates, phase)
		for p := phase; strings.Contains(p, "_"); {
			p = p[:strings.LastIndex(p, "_")]
			candidates = append(candidates, p)
		}
	}
	candidates = append(candidates, model, strings.TrimPrefix(model, "mock-"), defaultKey)

	for _, c := range candidates {
		if _, ok := s.fixtures[c]; ok && c != "" {
			return c, true
		}
	}
	return "", false
}

// next records the request and returns its fixture. The last fixture of a
// sequence repeats once the numbered ones are used up.
func (s *server) next(key string, captured capturedRequest) fixture {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.keyCalls[key]
	s.keyCalls[key] = idx + 1

	captured.Key = key
	captured.CallIndex = idx + 1
	s.requests[key] = append(s.requests[key], captured)

	seq := s.fixtures[key]
	if idx < len(seq) {
		return seq[idx]
	}
	return seq[len(seq)-1]
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	phase := r.Header.Get(llm.PhaseHeader)

	key, ok := s.resolve(phase, req.Model)
	if !ok {
		s.logger.Warn("No fixture for request", "call", callNum, "phase", phase, "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for phase %q or model %q", phase, req.Model), http.StatusNotFound)
		return
	}

	fx := s.next(key, capturedRequest{
		Phase:     phase,
		Model:     req.Model,
		Messages:  req.Messages,
		Timestamp: time.Now().UnixMilli(),
	})
	if fx.Status != 0 {
		s.logger.Info("Serving failure fixture", "call", callNum, "key", key, "status", fx.Status)
		http.Error(w, fmt.Sprintf("mock failure for %s", key), fx.Status)
		return
	}

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: fx.Content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptTokens(req.Messages),
			CompletionTokens: len(fx.Content) / 4, // rough estimate
		},
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens

	s.logger.Info("Served fixture", "call", callNum, "key", key, "model", req.Model, "bytes", len(fx.Content))
	writeJSON(w, resp)
}

func promptTokens(msgs []chatMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n / 4
}

// handleModels lists the fixture keys as models (Ollama-compatible).
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	keys := make([]string, 0, len(s.fixtures))
	for key := range s.fixtures {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	models := make([]modelEntry, 0, len(keys))
	for _, key := range keys {
		models = append(models, modelEntry{ID: key, Object: "model", OwnedBy: "mock-llm"})
	}
	writeJSON(w, map[string]any{"object": "list", "data": models})
}

// handleStats returns total_calls and the per-key calls_by_key breakdown.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byKey := make(map[string]int, len(s.keyCalls))
	for key, n := range s.keyCalls {
		byKey[key] = n
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"total_calls":  s.calls.Load(),
		"calls_by_key": byKey,
	})
}

// handleRequests returns captured requests for test assertions.
// Query params:
//   - key: filter by fixture key (optional)
//   - call: filter by call index, 1-indexed (optional)
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	keyFilter := r.URL.Query().Get("key")
	callFilter, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for key, reqs := range s.requests {
		if keyFilter != "" && key != keyFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter == 0 || req.CallIndex == callFilter {
				result[key] = append(result[key], req)
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"requests_by_key": result})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fixtureNameRe splits "follow_up.2.json" into key, optional index and extension.
var fixtureNameRe = regexp.MustCompile(`^(.+?)(?:\.(\d+))?\.(json|md|txt|status)$`)

// loadFixtures reads fixture files from dir and returns a map of key→sequence.
//
// For each key, fixtures are ordered:
//  1. Numbered files (key.1.json, key.2.md, ...) in numeric order
//  2. The base file (key.json) appended as the final fallback
func loadFixtures(dir string) (map[string][]fixture, error) {
	base := make(map[string]fixture)
	numbered := make(map[string]map[int]fixture)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := fixtureNameRe.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		key, index, ext := m[1], m[2], m[3]

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		fx, err := parseFixture(ext, data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		if index == "" {
			base[key] = fx
			return nil
		}
		n, _ := strconv.Atoi(index)
		if numbered[key] == nil {
			numbered[key] = make(map[int]fixture)
		}
		numbered[key][n] = fx
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]fixture)
	for key, seq := range numbered {
		indices := make([]int, 0, len(seq))
		for idx := range seq {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[key] = append(fixtures[key], seq[idx])
		}
	}
	for key, fx := range base {
		fixtures[key] = append(fixtures[key], fx)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}

func parseFixture(ext string, data []byte) (fixture, error) {
	switch ext {
	case "json":
		if !json.Valid(data) {
			return fixture{}, fmt.Errorf("invalid JSON")
		}
		return fixture{Content: string(data)}, nil
	case "status":
		code, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || code < 400 || code > 599 {
			return fixture{}, fmt.Errorf("status fixture must hold a 4xx or 5xx code")
		}
		return fixture{Status: code}, nil
	default:
		return fixture{Content: string(data)}, nil
	}
}
