package scopeapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/scopecraft/edit"
	"github.com/c360studio/scopecraft/llm"
	"github.com/c360studio/scopecraft/llm/testutil"
	"github.com/c360studio/scopecraft/metrics"
	"github.com/c360studio/scopecraft/model"
	"github.com/c360studio/scopecraft/pipeline"
	"github.com/c360studio/scopecraft/scope"
)

const analysisReply = "```json\n" + `{
	"project_type": "Inventory system",
	"relevant_sections": ["Purpose"],
	"initial_questions": [{"question": "How many sites?", "why_needed": "Sizing", "section": "Requirements"}]
}` + "\n```"

const documentReply = "```markdown\n# Acme Portal\n## Purpose\nTrack stock.\n## Requirements\n1. Scan barcodes\n## Assumptions\n1. Sites have Wi-Fi\n```"

const chatReply = "I shortened the title.\n```json\n{\"start_line\": 1, \"end_line\": 1, \"new_text\": \"# Acme\"}\n```"

// setupTestServer wires the component to a temp store and a phase-routed mock.
func setupTestServer(t *testing.T, route func(llm.Request) testutil.Step) (*httptest.Server, *scope.Store, *testutil.MockCompleter) {
	t.Helper()
	mock := &testutil.MockCompleter{Route: route}
	store := scope.NewStore(t.TempDir())
	p := pipeline.New(mock, store, pipeline.StaticGuidance(""), pipeline.Options{DefaultModel: "test-model"})

	c := New(p, store,
		WithMetrics(metrics.New()),
		WithRegistry(model.NewRegistry(nil, &model.DefaultsConfig{Model: "test-model"})),
		WithCORSOrigins([]string{"https://app.example.com"}),
	)
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)
	return srv, store, mock
}

func defaultRoute(req llm.Request) testutil.Step {
	switch req.Phase {
	case pipeline.PhaseAnalysis:
		return testutil.Step{Content: analysisReply}
	case pipeline.PhaseFollowUp:
		return testutil.Step{Content: "[]"}
	case pipeline.PhaseEditChat:
		return testutil.Step{Content: chatReply}
	default:
		return testutil.Step{Content: documentReply}
	}
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeBody[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func generate(t *testing.T, srv *httptest.Server) GenerateResponse {
	t.Helper()
	status, body := doJSON(t, srv, http.MethodPost, "/api/generate", GenerateRequest{
		ProjectName: "Acme Portal",
		ProjectInfo: scope.ProjectInfo{Transcription: "notes"},
	})
	require.Equal(t, http.StatusOK, status, string(body))
	return decodeBody[GenerateResponse](t, body)
}

func TestAnalyze(t *testing.T) {
	t.Run("parsed", func(t *testing.T) {
		srv, _, _ := setupTestServer(t, defaultRoute)
		status, body := doJSON(t, srv, http.MethodPost, "/api/analyze", AnalyzeRequest{ProjectName: "Acme", Transcription: "notes"})
		require.Equal(t, http.StatusOK, status)

		analysis := decodeBody[scope.Analysis](t, body)
		assert.Equal(t, "Inventory system", analysis.ProjectType)
		require.Len(t, analysis.InitialQuestions, 1)
	})

	t.Run("raw response", func(t *testing.T) {
		srv, _, _ := setupTestServer(t, func(llm.Request) testutil.Step {
			return testutil.Step{Content: "Sounds like inventory."}
		})
		status, body := doJSON(t, srv, http.MethodPost, "/api/analyze", AnalyzeRequest{ProjectName: "Acme"})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, map[string]string{"raw_response": "Sounds like inventory."}, decodeBody[map[string]string](t, body))
	})

	t.Run("validation", func(t *testing.T) {
		srv, _, mock := setupTestServer(t, defaultRoute)
		status, body := doJSON(t, srv, http.MethodPost, "/api/analyze", AnalyzeRequest{ProjectName: ""})
		assert.Equal(t, http.StatusBadRequest, status)

		resp := decodeBody[map[string]any](t, body)
		assert.Equal(t, "validation failed", resp["error"])
		assert.Contains(t, resp["fields"], "project_name")
		assert.Zero(t, mock.CallCount())
	})

	t.Run("name too long", func(t *testing.T) {
		srv, _, _ := setupTestServer(t, defaultRoute)
		status, _ := doJSON(t, srv, http.MethodPost, "/api/analyze", AnalyzeRequest{ProjectName: strings.Repeat("a", 201)})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("exhausted maps to bad gateway", func(t *testing.T) {
		srv, _, _ := setupTestServer(t, func(llm.Request) testutil.Step {
			return testutil.Step{Err: &llm.ExhaustedError{Attempts: 3, Err: llm.ErrEmptyResponse}}
		})
		status, body := doJSON(t, srv, http.MethodPost, "/api/analyze", AnalyzeRequest{ProjectName: "Acme"})
		assert.Equal(t, http.StatusBadGateway, status)
		assert.NotEmpty(t, decodeBody[ErrorResponse](t, body).Error)
	})
}

func TestBodyErrors(t *testing.T) {
	srv, _, _ := setupTestServer(t, defaultRoute)

	status, _ := doJSON(t, srv, http.MethodPost, "/api/analyze", "{not json")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, srv, http.MethodPost, "/api/analyze", "")
	assert.Equal(t, http.StatusBadRequest, status)

	big := `{"project_name": "Acme", "transcription": "` + strings.Repeat("x", maxRequestBodySize) + `"}`
	status, _ = doJSON(t, srv, http.MethodPost, "/api/analyze", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)

	status, _ = doJSON(t, srv, http.MethodGet, "/api/analyze", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestFollowUp(t *testing.T) {
	srv, _, mock := setupTestServer(t, defaultRoute)

	status, body := doJSON(t, srv, http.MethodPost, "/api/follow-up", map[string]any{
		"project_name": "Acme",
		"current_info": map[string]any{
			"initial_questions": []map[string]string{{"question": "How many sites?"}},
			"0":                 "Three",
		},
	})
	require.Equal(t, http.StatusOK, status, string(body))

	result := decodeBody[pipeline.FollowUpResult](t, body)
	assert.Equal(t, pipeline.NoFurtherQuestions, result.Status)
	assert.Empty(t, result.Questions)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Messages[len(reqs[0].Messages)-1].Content, "Three")
}

func TestScopeLifecycle(t *testing.T) {
	srv, _, _ := setupTestServer(t, defaultRoute)
	gen := generate(t, srv)
	require.NotEmpty(t, gen.ID)
	assert.Contains(t, gen.Scope, "# Acme Portal")

	// List
	status, body := doJSON(t, srv, http.MethodGet, "/api/scopes", nil)
	require.Equal(t, http.StatusOK, status)
	list := decodeBody[scope.ListResult](t, body)
	require.Len(t, list.Scopes, 1)
	assert.Equal(t, gen.ID, list.Scopes[0].ID)

	// Get
	status, body = doJSON(t, srv, http.MethodGet, "/api/scopes/"+gen.ID, nil)
	require.Equal(t, http.StatusOK, status)
	doc := decodeBody[scope.Document](t, body)
	assert.Equal(t, "Acme Portal", doc.ProjectName)
	assert.Empty(t, doc.VersionHistory)

	// Update
	status, body = doJSON(t, srv, http.MethodPost, "/api/scopes/"+gen.ID, map[string]string{"scope": "# Rewritten"})
	require.Equal(t, http.StatusOK, status, string(body))
	doc = decodeBody[scope.Document](t, body)
	assert.Equal(t, "# Rewritten", doc.Scope)

	// History
	status, body = doJSON(t, srv, http.MethodGet, "/api/scopes/"+gen.ID+"/history", nil)
	require.Equal(t, http.StatusOK, status)
	history := decodeBody[[]scope.Snapshot](t, body)
	require.Len(t, history, 1)
	assert.Equal(t, gen.Scope, history[0].Scope)
	ts := history[0].Timestamp.Format(time.RFC3339Nano)

	// Diff
	status, body = doJSON(t, srv, http.MethodGet, "/api/scopes/"+gen.ID+"/diff?timestamp="+url.QueryEscape(ts), nil)
	require.Equal(t, http.StatusOK, status, string(body))
	diff := decodeBody[scope.Diff](t, body)
	assert.Positive(t, diff.Added)
	assert.Positive(t, diff.Removed)

	// Restore
	status, body = doJSON(t, srv, http.MethodPost, "/api/scopes/"+gen.ID+"/restore", RestoreRequest{Timestamp: ts})
	require.Equal(t, http.StatusOK, status, string(body))
	doc = decodeBody[scope.Document](t, body)
	assert.Equal(t, gen.Scope, doc.Scope)
	require.Len(t, doc.VersionHistory, 2)
	assert.True(t, doc.VersionHistory[1].IsRestorePoint)
	require.Len(t, doc.RestorationNotes, 1)
}

func TestStoreErrors(t *testing.T) {
	srv, _, _ := setupTestServer(t, defaultRoute)
	gen := generate(t, srv)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
	}{
		{"get missing", http.MethodGet, "/api/scopes/missing-20260101-000000", nil, http.StatusNotFound},
		{"get invalid id", http.MethodGet, "/api/scopes/Bad..ID", nil, http.StatusBadRequest},
		{"update missing", http.MethodPost, "/api/scopes/missing-20260101-000000", map[string]string{"scope": "x"}, http.StatusNotFound},
		{"update empty name", http.MethodPost, "/api/scopes/" + gen.ID, map[string]string{"project_name": ""}, http.StatusBadRequest},
		{"restore unknown snapshot", http.MethodPost, "/api/scopes/" + gen.ID + "/restore", RestoreRequest{Timestamp: "2020-01-01T00:00:00Z"}, http.StatusNotFound},
		{"restore bad timestamp", http.MethodPost, "/api/scopes/" + gen.ID + "/restore", RestoreRequest{Timestamp: "yesterday"}, http.StatusBadRequest},
		{"diff bad timestamp", http.MethodGet, "/api/scopes/" + gen.ID + "/diff?timestamp=nope", nil, http.StatusBadRequest},
		{"diff unknown snapshot", http.MethodGet, "/api/scopes/" + gen.ID + "/diff?timestamp=2020-01-01T00:00:00Z", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, status, string(body))
		})
	}

	status, body := doJSON(t, srv, http.MethodGet, "/api/scopes/missing-20260101-000000/history", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, "[]", string(body))
}

func TestChatAndApplyEdit(t *testing.T) {
	srv, _, mock := setupTestServer(t, defaultRoute)
	gen := generate(t, srv)

	status, body := doJSON(t, srv, http.MethodPost, "/api/scopes/"+gen.ID+"/chat", ChatRequest{
		Message: "Shorten the title",
		History: []llm.Message{{Role: llm.RoleUser, Content: "hi"}, {Role: llm.RoleAssistant, Content: "hello"}},
	})
	require.Equal(t, http.StatusOK, status, string(body))

	turn := decodeBody[pipeline.ChatTurn](t, body)
	assert.Equal(t, edit.OutcomeEdit, turn.Outcome)
	assert.Equal(t, "I shortened the title.", turn.Message)
	require.NotNil(t, turn.Edit)
	assert.Equal(t, edit.LineCount(gen.Scope), turn.Edit.LineCount)

	// Chat never mutates storage.
	status, body = doJSON(t, srv, http.MethodGet, "/api/scopes/"+gen.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, gen.Scope, decodeBody[scope.Document](t, body).Scope)

	status, body = doJSON(t, srv, http.MethodPost, "/api/scopes/"+gen.ID+"/apply-edit", turn.Edit)
	require.Equal(t, http.StatusOK, status, string(body))
	doc := decodeBody[scope.Document](t, body)
	assert.True(t, strings.HasPrefix(doc.Scope, "# Acme\n"), doc.Scope)
	assert.Len(t, doc.VersionHistory, 1)

	stale := *turn.Edit
	stale.LineCount = 999
	status, _ = doJSON(t, srv, http.MethodPost, "/api/scopes/"+gen.ID+"/apply-edit", stale)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = doJSON(t, srv, http.MethodPost, "/api/scopes/"+gen.ID+"/apply-edit", edit.PendingEdit{StartLine: 1, EndLine: 500})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, srv, http.MethodPost, "/api/scopes/"+gen.ID+"/chat", ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, srv, http.MethodPost, "/api/scopes/missing-20260101-000000/chat", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusNotFound, status)

	var chats int
	for _, r := range mock.Requests() {
		if r.Phase == pipeline.PhaseEditChat {
			chats++
		}
	}
	assert.Equal(t, 1, chats)
}

func TestResolveEdit(t *testing.T) {
	srv, _, mock := setupTestServer(t, defaultRoute)

	status, body := doJSON(t, srv, http.MethodPost, "/api/resolve-edit", ResolveEditRequest{
		DocumentContent: "one\ntwo",
		AIResponse:      "Done.\n```json\n{\"start_line\": 3, \"end_line\": 3, \"new_text\": \"x\"}\n```",
	})
	require.Equal(t, http.StatusOK, status)

	res := decodeBody[edit.Resolution](t, body)
	assert.Equal(t, edit.OutcomeInvalidRange, res.Outcome)
	assert.Nil(t, res.Edit)
	assert.Zero(t, mock.CallCount())
}

func TestGenerateFailure(t *testing.T) {
	srv, store, _ := setupTestServer(t, func(req llm.Request) testutil.Step {
		return testutil.Step{Err: &llm.ExhaustedError{Attempts: 3, Err: &llm.StatusError{StatusCode: 503}}}
	})

	status, body := doJSON(t, srv, http.MethodPost, "/api/generate", GenerateRequest{ProjectName: "Acme"})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, decodeBody[ErrorResponse](t, body).Error, "Acme")

	list, err := store.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, list.Scopes)
}

func TestOpsEndpoints(t *testing.T) {
	srv, _, _ := setupTestServer(t, defaultRoute)
	generate(t, srv)

	status, body := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", decodeBody[HealthResponse](t, body).Status)

	status, body = doJSON(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestCORS(t *testing.T) {
	srv, _, _ := setupTestServer(t, defaultRoute)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/generate", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{scope.ErrNotFound, http.StatusNotFound},
		{&scope.PersistenceError{Op: "read", ID: "x", Err: scope.ErrCorrupt}, http.StatusInternalServerError},
		{&pipeline.GenerationError{ProjectName: "A", Phase: "document", Err: &llm.ExhaustedError{Attempts: 3}}, http.StatusBadGateway},
		{edit.ErrInvalidRange, http.StatusBadRequest},
		{edit.ErrStaleEdit, http.StatusConflict},
		{pipeline.ErrMessageRequired, http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
