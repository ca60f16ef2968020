package scopeapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/c360studio/scopecraft/edit"
	"github.com/c360studio/scopecraft/llm"
	"github.com/c360studio/scopecraft/pipeline"
	"github.com/c360studio/scopecraft/scope"
)

// maxRequestBodySize limits POST body sizes.
const maxRequestBodySize = 1 << 20 // 1 MB

// maxProjectNameLength bounds project names accepted over HTTP.
const maxProjectNameLength = 200

// RegisterHTTPHandlers registers all scope API handlers under the given prefix.
// The prefix should be the path segment without a trailing slash (e.g. "api").
// Handlers are registered as:
//
//	POST <prefix>/analyze
//	POST <prefix>/follow-up
//	POST <prefix>/generate
//	POST <prefix>/resolve-edit
//	GET  <prefix>/scopes
//	GET  <prefix>/scopes/{id}
//	POST <prefix>/scopes/{id}
//	GET  <prefix>/scopes/{id}/history
//	POST <prefix>/scopes/{id}/restore
//	GET  <prefix>/scopes/{id}/diff?timestamp=
//	POST <prefix>/scopes/{id}/chat
//	POST <prefix>/scopes/{id}/apply-edit
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}

	mux.HandleFunc("POST "+prefix+"analyze", c.handleAnalyze)
	mux.HandleFunc("POST "+prefix+"follow-up", c.handleFollowUp)
	mux.HandleFunc("POST "+prefix+"generate", c.handleGenerate)
	mux.HandleFunc("POST "+prefix+"resolve-edit", c.handleResolveEdit)
	mux.HandleFunc("GET "+prefix+"scopes", c.handleList)
	mux.HandleFunc("GET "+prefix+"scopes/{id}", c.handleGet)
	mux.HandleFunc("POST "+prefix+"scopes/{id}", c.handleUpdate)
	mux.HandleFunc("GET "+prefix+"scopes/{id}/history", c.handleHistory)
	mux.HandleFunc("POST "+prefix+"scopes/{id}/restore", c.handleRestore)
	mux.HandleFunc("GET "+prefix+"scopes/{id}/diff", c.handleDiff)
	mux.HandleFunc("POST "+prefix+"scopes/{id}/chat", c.handleChat)
	mux.HandleFunc("POST "+prefix+"scopes/{id}/apply-edit", c.handleApplyEdit)
}

// ----------------------------------------------------------------------------
// Request types
// ----------------------------------------------------------------------------

// AnalyzeRequest is the body of POST /api/analyze.
type AnalyzeRequest struct {
	ProjectName   string `json:"project_name"`
	Transcription string `json:"transcription"`
}

// Validate implements validation.Validatable.
func (r AnalyzeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ProjectName, projectNameRules...),
	)
}

// FollowUpRequest is the body of POST /api/follow-up.
type FollowUpRequest struct {
	ProjectName string            `json:"project_name"`
	CurrentInfo scope.ProjectInfo `json:"current_info"`
}

// Validate implements validation.Validatable.
func (r FollowUpRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ProjectName, projectNameRules...),
	)
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	ProjectName string            `json:"project_name"`
	ProjectInfo scope.ProjectInfo `json:"project_info"`
	Model       string            `json:"model,omitempty"`
}

// Validate implements validation.Validatable.
func (r GenerateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ProjectName, projectNameRules...),
		validation.Field(&r.Model, validation.Length(0, 200)),
	)
}

// GenerateResponse is the body returned by POST /api/generate.
type GenerateResponse struct {
	ID    string `json:"id"`
	Scope string `json:"scope"`
}

// UpdateRequest is the body of POST /api/scopes/{id}.
type UpdateRequest struct {
	ProjectName *string            `json:"project_name,omitempty"`
	ProjectInfo *scope.ProjectInfo `json:"project_info,omitempty"`
	Scope       *string            `json:"scope,omitempty"`
}

// Validate implements validation.Validatable.
func (r UpdateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ProjectName, validation.NilOrNotEmpty, validation.Length(1, maxProjectNameLength)),
	)
}

// RestoreRequest is the body of POST /api/scopes/{id}/restore.
type RestoreRequest struct {
	Timestamp string `json:"timestamp"`
}

// Validate implements validation.Validatable.
func (r RestoreRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Timestamp, validation.Required, validation.By(isTimestamp)),
	)
}

// ChatRequest is the body of POST /api/scopes/{id}/chat.
type ChatRequest struct {
	Message string        `json:"message"`
	History []llm.Message `json:"history,omitempty"`
	Model   string        `json:"model,omitempty"`
}

// Validate implements validation.Validatable.
func (r ChatRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Message, validation.Required),
	)
}

// ApplyEditRequest is the body of POST /api/scopes/{id}/apply-edit.
type ApplyEditRequest edit.PendingEdit

// Validate implements validation.Validatable.
func (r ApplyEditRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.StartLine, validation.Required, validation.Min(1)),
		validation.Field(&r.EndLine, validation.Required, validation.Min(1)),
	)
}

// ResolveEditRequest is the body of POST /api/resolve-edit.
type ResolveEditRequest struct {
	DocumentContent string `json:"document_content"`
	AIResponse      string `json:"ai_response"`
}

// Validate implements validation.Validatable.
func (r ResolveEditRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.AIResponse, validation.Required),
	)
}

var projectNameRules = []validation.Rule{
	validation.Required,
	validation.Length(1, maxProjectNameLength),
}

func isTimestamp(value any) error {
	s, _ := value.(string)
	if _, err := parseTimestamp(s); err != nil {
		return errors.New("must be an RFC 3339 timestamp")
	}
	return nil
}

// ----------------------------------------------------------------------------
// Pipeline handlers
// ----------------------------------------------------------------------------

// handleAnalyze returns the parsed analysis, or {"raw_response": ...} when
// the model output could not be parsed.
func (c *Component) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if !c.decode(w, r, &req) {
		return
	}

	result, err := c.pipeline.Analyze(r.Context(), req.ProjectName, req.Transcription)
	if err != nil {
		c.fail(w, r, "Analysis failed", err)
		return
	}
	if !result.Parsed() {
		writeJSON(w, http.StatusOK, map[string]string{"raw_response": result.Raw})
		return
	}
	writeJSON(w, http.StatusOK, result.Analysis)
}

func (c *Component) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	var req FollowUpRequest
	if !c.decode(w, r, &req) {
		return
	}

	result, err := c.pipeline.FollowUp(r.Context(), req.ProjectName, req.CurrentInfo)
	if err != nil {
		c.fail(w, r, "Follow-up failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *Component) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !c.decode(w, r, &req) {
		return
	}

	doc, err := c.pipeline.Generate(r.Context(), req.ProjectName, req.ProjectInfo, req.Model)
	if err != nil {
		c.fail(w, r, "Generation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateResponse{ID: doc.ID, Scope: doc.Scope})
}

// handleResolveEdit is pure: it parses an AI reply against the given content
// without touching storage or calling a model.
func (c *Component) handleResolveEdit(w http.ResponseWriter, r *http.Request) {
	var req ResolveEditRequest
	if !c.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, edit.Resolve(req.DocumentContent, req.AIResponse))
}

func (c *Component) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !c.decode(w, r, &req) {
		return
	}

	turn, err := c.pipeline.Chat(r.Context(), r.PathValue("id"), req.Message, req.History, req.Model)
	if err != nil {
		c.fail(w, r, "Chat failed", err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (c *Component) handleApplyEdit(w http.ResponseWriter, r *http.Request) {
	var req ApplyEditRequest
	if !c.decode(w, r, &req) {
		return
	}

	doc, err := c.pipeline.ApplyEdit(r.Context(), r.PathValue("id"), edit.PendingEdit(req))
	if err != nil {
		c.fail(w, r, "Apply edit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// ----------------------------------------------------------------------------
// Store handlers
// ----------------------------------------------------------------------------

func (c *Component) handleList(w http.ResponseWriter, r *http.Request) {
	result, err := c.store.List(r.Context())
	if err != nil {
		c.fail(w, r, "List failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *Component) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := c.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		c.fail(w, r, "Get failed", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (c *Component) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !c.decode(w, r, &req) {
		return
	}

	doc, err := c.store.Update(r.Context(), r.PathValue("id"), scope.Patch{
		ProjectName: req.ProjectName,
		ProjectInfo: req.ProjectInfo,
		Scope:       req.Scope,
	})
	if err != nil {
		c.fail(w, r, "Update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (c *Component) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := c.store.History(r.Context(), r.PathValue("id"))
	if err != nil {
		c.fail(w, r, "History failed", err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (c *Component) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if !c.decode(w, r, &req) {
		return
	}
	ts, _ := parseTimestamp(req.Timestamp)

	doc, err := c.store.Restore(r.Context(), r.PathValue("id"), ts)
	if err != nil {
		c.fail(w, r, "Restore failed", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (c *Component) handleDiff(w http.ResponseWriter, r *http.Request) {
	ts, err := parseTimestamp(r.URL.Query().Get("timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "timestamp query parameter must be an RFC 3339 timestamp")
		return
	}

	diff, err := c.store.Diff(r.Context(), r.PathValue("id"), ts)
	if err != nil {
		c.fail(w, r, "Diff failed", err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields validation.Errors `json:"fields,omitempty"`
}

// decode reads a size-limited JSON body into v and validates it. It writes
// the error response and returns false on failure.
func (c *Component) decode(w http.ResponseWriter, r *http.Request, v validation.Validatable) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		}
		return false
	}

	if err := v.Validate(); err != nil {
		var fields validation.Errors
		if errors.As(err, &fields) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail logs err and writes the mapped status.
func (c *Component) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		c.logger.Error(msg, "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		c.logger.Debug(msg, "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	var fields validation.Errors
	switch {
	case errors.Is(err, scope.ErrNotFound), errors.Is(err, scope.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, edit.ErrStaleEdit), errors.Is(err, pipeline.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, scope.ErrInvalidID),
		errors.Is(err, scope.ErrIDRequired),
		errors.Is(err, scope.ErrNameRequired),
		errors.Is(err, edit.ErrInvalidRange),
		errors.Is(err, pipeline.ErrMessageRequired),
		errors.As(err, &fields):
		return http.StatusBadRequest
	case llm.IsExhausted(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
