package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/scopecraft/edit"
	"github.com/c360studio/scopecraft/llm"
	"github.com/c360studio/scopecraft/llm/testutil"
	"github.com/c360studio/scopecraft/output/markdown"
	"github.com/c360studio/scopecraft/scope"
)

const analysisJSON = `{
	"project_type": "Customer web portal",
	"relevant_sections": ["Purpose", "Requirements"],
	"initial_questions": [
		{"question": "Who are the primary users?", "why_needed": "Defines audience", "section": "Purpose"},
		{"question": "Where will it be hosted?", "why_needed": "Drives infrastructure", "section": "Requirements"}
	]
}`

const scopeMarkdown = "```markdown\n# Acme Portal\n## Purpose\nServe field staff.\n## Requirements\n1. Login\n2. Reports\n## Assumptions\n1. Client hosts\n```"

func newTestPipeline(t *testing.T, mock *testutil.MockCompleter, opts Options) (*Pipeline, *scope.Store) {
	t.Helper()
	store := scope.NewStore(t.TempDir())
	if opts.DefaultModel == "" {
		opts.DefaultModel = "test-model"
	}
	return New(mock, store, StaticGuidance("Write clearly."), opts), store
}

func exhausted(err error) error {
	return &llm.ExhaustedError{Attempts: 3, Err: err}
}

func TestAnalyze(t *testing.T) {
	t.Run("parsed", func(t *testing.T) {
		mock := &testutil.MockCompleter{Steps: []testutil.Step{{Content: "```json\n" + analysisJSON + "\n```"}}}
		p, _ := newTestPipeline(t, mock, Options{})

		result, err := p.Analyze(context.Background(), "Acme Portal", "kickoff notes")
		require.NoError(t, err)
		require.True(t, result.Parsed())
		assert.Equal(t, "Customer web portal", result.Analysis.ProjectType)
		assert.Len(t, result.Analysis.InitialQuestions, 2)

		reqs := mock.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, PhaseAnalysis, reqs[0].Phase)
		assert.Equal(t, "test-model", reqs[0].Model)
		assert.Equal(t, DefaultMaxTokens, reqs[0].MaxTokens)
		require.NotNil(t, reqs[0].Temperature)
		assert.InDelta(t, DefaultTemperature, *reqs[0].Temperature, 1e-9)
		assert.Contains(t, reqs[0].Messages[1].Content, "Write clearly.")
	})

	t.Run("unparsed returns raw text", func(t *testing.T) {
		mock := &testutil.MockCompleter{Steps: []testutil.Step{{Content: "This looks like a web portal."}}}
		p, _ := newTestPipeline(t, mock, Options{})

		result, err := p.Analyze(context.Background(), "Acme Portal", "")
		require.NoError(t, err)
		assert.False(t, result.Parsed())
		assert.Equal(t, "This looks like a web portal.", result.Raw)
	})

	t.Run("exhausted", func(t *testing.T) {
		mock := &testutil.MockCompleter{Fallback: testutil.Step{Err: exhausted(llm.ErrEmptyResponse)}}
		p, _ := newTestPipeline(t, mock, Options{})

		_, err := p.Analyze(context.Background(), "Acme Portal", "")
		assert.True(t, llm.IsExhausted(err))
	})

	t.Run("name required", func(t *testing.T) {
		p, _ := newTestPipeline(t, &testutil.MockCompleter{}, Options{})
		_, err := p.Analyze(context.Background(), " ", "")
		assert.ErrorIs(t, err, scope.ErrNameRequired)
	})
}

func TestFollowUp(t *testing.T) {
	tests := []struct {
		name       string
		step       testutil.Step
		wantStatus FollowUpStatus
		wantCount  int
	}{
		{"empty array", testutil.Step{Content: "[]"}, NoFurtherQuestions, 0},
		{"whitespace", testutil.Step{Content: "  \n "}, NoFurtherQuestions, 0},
		{"empty fence", testutil.Step{Content: "```json\n```"}, NoFurtherQuestions, 0},
		{"exhausted on empty", testutil.Step{Err: exhausted(llm.ErrEmptyResponse)}, NoFurtherQuestions, 0},
		{
			"questions",
			testutil.Step{Content: `[{"question": "Budget?", "why_needed": "sizing", "section": "Purpose", "based_on": "no budget given"}, {"question": ""}]`},
			QuestionsPending, 1,
		},
		{"unparseable", testutil.Step{Content: "I think you need more info"}, FollowUpFailed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &testutil.MockCompleter{Steps: []testutil.Step{tt.step}}
			p, _ := newTestPipeline(t, mock, Options{})

			result, err := p.FollowUp(context.Background(), "Acme Portal", scope.ProjectInfo{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Len(t, result.Questions, tt.wantCount)
			assert.NotNil(t, result.Questions)
		})
	}
}

func TestFollowUp_DiagnosticQuestion(t *testing.T) {
	mock := &testutil.MockCompleter{Steps: []testutil.Step{{Content: "not json"}}}
	p, _ := newTestPipeline(t, mock, Options{})

	result, err := p.FollowUp(context.Background(), "Acme Portal", scope.ProjectInfo{})
	require.NoError(t, err)
	require.Len(t, result.Questions, 1)

	q := result.Questions[0]
	assert.Equal(t, "Error parsing AI response", q.Question)
	assert.Equal(t, "Debug", q.Section)
	assert.Equal(t, "Raw response: not json", q.BasedOn)
	assert.NotEmpty(t, result.Reason)
}

func TestFollowUp_OtherErrorsPropagate(t *testing.T) {
	mock := &testutil.MockCompleter{Steps: []testutil.Step{{Err: exhausted(&llm.StatusError{StatusCode: 500})}}}
	p, _ := newTestPipeline(t, mock, Options{})

	_, err := p.FollowUp(context.Background(), "Acme Portal", scope.ProjectInfo{})
	require.Error(t, err)
	assert.True(t, llm.IsExhausted(err))
}

func TestFollowUp_Terminates(t *testing.T) {
	// Asks once, then the stub has nothing more to ask.
	mock := &testutil.MockCompleter{
		Steps:    []testutil.Step{{Content: `[{"question": "Budget?", "why_needed": "sizing", "section": "Purpose"}]`}},
		Fallback: testutil.Step{Content: "[]"},
	}
	p, _ := newTestPipeline(t, mock, Options{})
	ctx := context.Background()

	info := scope.ProjectInfo{}
	for round := 0; round < 5; round++ {
		result, err := p.FollowUp(ctx, "Acme Portal", info)
		require.NoError(t, err)
		if result.Status == NoFurtherQuestions {
			assert.Len(t, info.Answers, 1)
			assert.Equal(t, 2, mock.CallCount())
			return
		}
		for _, q := range result.Questions {
			info.Answer(q.Question, "50k")
		}
	}
	t.Fatal("follow-up never reported no further questions")
}

func TestGenerate(t *testing.T) {
	mock := &testutil.MockCompleter{Steps: []testutil.Step{{Content: scopeMarkdown}}}
	p, store := newTestPipeline(t, mock, Options{})
	ctx := context.Background()

	info := scope.ProjectInfo{
		Transcription: "We need a portal",
		InitialQuestions: []scope.Question{
			{Question: "Who are the primary users?"},
			{Question: "Where will it be hosted?"},
		},
		Answers: []scope.QuestionAnswer{
			{Question: "Who are the primary users?", Answer: "Field staff"},
			{Question: "Where will it be hosted?", Answer: ""},
		},
	}

	doc, err := p.Generate(ctx, "Acme Portal", info, "special-model")
	require.NoError(t, err)

	assert.NotEmpty(t, doc.ID)
	assert.True(t, strings.HasPrefix(doc.Scope, "# Acme Portal\n\n## Purpose"))
	assert.Contains(t, doc.Scope, "## Requirements\n\n1. Login\n\n2. Reports")
	assert.True(t, strings.HasSuffix(doc.Scope, "-->"))
	assert.NotContains(t, doc.Scope, "```")

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "special-model", reqs[0].Model)
	prompt := reqs[0].Messages[1].Content
	assert.Contains(t, prompt, "Q: Who are the primary users?\nA: Field staff")
	assert.NotContains(t, prompt, "Where will it be hosted?")

	stored, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Scope, stored.Scope)
	assert.Empty(t, stored.VersionHistory)
	assert.Equal(t, "We need a portal", stored.ProjectInfo.Transcription)
}

func TestGenerate_Failure(t *testing.T) {
	mock := &testutil.MockCompleter{Fallback: testutil.Step{Err: exhausted(errors.New("timeout"))}}
	p, store := newTestPipeline(t, mock, Options{})
	ctx := context.Background()

	_, err := p.Generate(ctx, "Acme Portal", scope.ProjectInfo{}, "")

	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, PhaseDocument, ge.Phase)
	assert.True(t, llm.IsExhausted(err))

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list.Scopes)
}

func TestGenerate_Phased(t *testing.T) {
	var calls atomic.Int32
	mock := &testutil.MockCompleter{
		Route: func(req llm.Request) testutil.Step {
			calls.Add(1)
			switch req.Phase {
			case PhaseDocument + "_overview":
				// Finish last to prove ordering does not follow completion order.
				time.Sleep(30 * time.Millisecond)
				return testutil.Step{Content: "```markdown\n# Acme Portal\n## Purpose\nWhy.\n```"}
			case PhaseDocument + "_requirements":
				return testutil.Step{Content: "## Security Requirements\n1. SSO"}
			case PhaseDocument + "_assumptions":
				return testutil.Step{Content: "## Critical Assumptions and Clarifications\n1. Client hosts"}
			}
			return testutil.Step{Err: errors.New("unexpected phase " + req.Phase)}
		},
	}
	p, _ := newTestPipeline(t, mock, Options{Phased: true})

	doc, err := p.Generate(context.Background(), "Acme Portal", scope.ProjectInfo{}, "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	purpose := strings.Index(doc.Scope, "## Purpose")
	security := strings.Index(doc.Scope, "## Security Requirements")
	assumptions := strings.Index(doc.Scope, "## Critical Assumptions")
	assert.True(t, purpose >= 0 && purpose < security && security < assumptions,
		"sections out of order:\n%s", doc.Scope)
	assert.Equal(t, 1, strings.Count(doc.Scope, "<!-- word count:"))
}

func TestGenerate_PhasedFailure(t *testing.T) {
	mock := &testutil.MockCompleter{
		Route: func(req llm.Request) testutil.Step {
			if req.Phase == PhaseDocument+"_assumptions" {
				return testutil.Step{Err: exhausted(llm.ErrEmptyResponse)}
			}
			return testutil.Step{Content: "## Section\ntext"}
		},
	}
	p, _ := newTestPipeline(t, mock, Options{Phased: true})

	_, err := p.Generate(context.Background(), "Acme Portal", scope.ProjectInfo{}, "")
	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "assumptions", ge.Phase)
	assert.ErrorIs(t, err, llm.ErrEmptyResponse)
}

func TestSessionFlow(t *testing.T) {
	mock := &testutil.MockCompleter{Steps: []testutil.Step{
		{Content: analysisJSON},
		{Content: `[{"question": "Budget?"}]`},
		{Content: "[]"},
		{Content: scopeMarkdown},
	}}
	base, _ := newTestPipeline(t, mock, Options{})
	ctx := context.Background()

	sess := NewSession()
	p := base.WithSession(sess)

	_, err := p.Generate(ctx, "Acme Portal", scope.ProjectInfo{}, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 0, mock.CallCount())

	_, err = p.Analyze(ctx, "Acme Portal", "")
	require.NoError(t, err)
	assert.Equal(t, StateAnalyzed, sess.State())

	_, err = p.FollowUp(ctx, "Acme Portal", scope.ProjectInfo{})
	require.NoError(t, err)
	assert.Equal(t, StateFollowUpPending, sess.State())

	_, err = p.FollowUp(ctx, "Acme Portal", scope.ProjectInfo{})
	require.NoError(t, err)
	assert.Equal(t, StateReadyToGenerate, sess.State())

	doc, err := p.Generate(ctx, "Acme Portal", scope.ProjectInfo{}, "")
	require.NoError(t, err)
	assert.Equal(t, StateGenerated, sess.State())
	assert.Equal(t, doc.ID, sess.DocumentID())

	_, err = p.Analyze(ctx, "Acme Portal", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestChatAndApplyEdit(t *testing.T) {
	ctx := context.Background()
	mock := &testutil.MockCompleter{}
	p, store := newTestPipeline(t, mock, Options{})

	original := markdown.FormatStructured("# Acme Portal\n## Purpose\nServe staff.\n## Requirements\n1. Login")
	id, err := store.Create(ctx, &scope.Document{ProjectName: "Acme Portal", Scope: original})
	require.NoError(t, err)

	// Line 4 is "Serve staff.".
	mock.Steps = []testutil.Step{{Content: "Made it more specific.\n```json\n{\"start_line\": 4, \"end_line\": 4, \"new_text\": \"Serve field engineers on mobile.\"}\n```"}}
	turn, err := p.Chat(ctx, id, "Be more specific about users", nil, "")
	require.NoError(t, err)
	require.NotNil(t, turn.Edit)
	assert.Equal(t, edit.OutcomeEdit, turn.Outcome)
	assert.Equal(t, "Made it more specific.", turn.Message)

	unchanged, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, original, unchanged.Scope, "chat must not modify the document")

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, PhaseEditChat, reqs[0].Phase)
	assert.Contains(t, reqs[0].Messages[0].Content, "   4| Serve staff.")

	doc, err := p.ApplyEdit(ctx, id, *turn.Edit)
	require.NoError(t, err)
	assert.Contains(t, doc.Scope, "Serve field engineers on mobile.")
	assert.NotContains(t, doc.Scope, "Serve staff.")
	assert.True(t, strings.HasSuffix(doc.Scope, fmt.Sprintf("<!-- word count: %d -->", markdown.WordCount(doc.Scope))))
	require.Len(t, doc.VersionHistory, 1)
	assert.Equal(t, original, doc.VersionHistory[0].Scope)

	_, err = p.ApplyEdit(ctx, id, edit.PendingEdit{StartLine: 1, EndLine: 99, NewText: "x"})
	assert.ErrorIs(t, err, edit.ErrInvalidRange)
}

func TestApplyEdit_Stale(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, &testutil.MockCompleter{}, Options{})
	id, err := store.Create(ctx, &scope.Document{ProjectName: "Stale", Scope: "a\nb\nc"})
	require.NoError(t, err)

	_, err = p.ApplyEdit(ctx, id, edit.PendingEdit{StartLine: 1, EndLine: 1, NewText: "x", LineCount: 5})
	assert.ErrorIs(t, err, edit.ErrStaleEdit)

	doc, _ := store.Get(ctx, id)
	assert.Equal(t, "a\nb\nc", doc.Scope)
	assert.Empty(t, doc.VersionHistory)
}

func TestChat_Errors(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, &testutil.MockCompleter{}, Options{})

	_, err := p.Chat(ctx, "missing", "hello", nil, "")
	assert.ErrorIs(t, err, scope.ErrNotFound)

	_, err = p.Chat(ctx, "missing", "  ", nil, "")
	assert.ErrorIs(t, err, ErrMessageRequired)
}
