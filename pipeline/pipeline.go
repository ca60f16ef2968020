// Package pipeline orchestrates scope creation: analysis, follow-up
// questions, document generation and AI-assisted edits.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/scopecraft/edit"
	"github.com/c360studio/scopecraft/llm"
	"github.com/c360studio/scopecraft/metrics"
	"github.com/c360studio/scopecraft/output/markdown"
	"github.com/c360studio/scopecraft/prompts"
	"github.com/c360studio/scopecraft/scope"
)

// Defaults for completion requests.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 8000
)

// Phase names sent with each completion request.
const (
	PhaseAnalysis = "analysis"
	PhaseFollowUp = "follow_up"
	PhaseDocument = "document"
	PhaseEditChat = "edit_chat"
)

// ErrMessageRequired is returned by Chat for a blank user message.
var ErrMessageRequired = errors.New("message is required")

// Store is the subset of *scope.Store the pipeline uses.
type Store interface {
	Create(ctx context.Context, doc *scope.Document) (string, error)
	Get(ctx context.Context, id string) (*scope.Document, error)
	UpdateFunc(ctx context.Context, id string, fn func(*scope.Document) (scope.Patch, error)) (*scope.Document, error)
}

// Options configures a Pipeline.
type Options struct {
	// DefaultModel is used when a call does not name a model.
	DefaultModel string

	// Phased generates the document with three concurrent completions
	// instead of one.
	Phased bool

	// Temperature defaults to DefaultTemperature when nil.
	Temperature *float64

	// MaxTokens defaults to DefaultMaxTokens when zero.
	MaxTokens int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pipeline runs the scope creation phases. It holds no per-request state
// and is safe for concurrent use.
type Pipeline struct {
	completer llm.Completer
	store     Store
	guidance  GuidanceSource
	opts      Options
	logger    *slog.Logger

	session *Session
}

// New creates a pipeline. guidance may be nil.
func New(completer llm.Completer, store Store, guidance GuidanceSource, opts Options) *Pipeline {
	if guidance == nil {
		guidance = StaticGuidance("")
	}
	if opts.Temperature == nil {
		t := DefaultTemperature
		opts.Temperature = &t
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		completer: completer,
		store:     store,
		guidance:  guidance,
		opts:      opts,
		logger:    logger,
	}
}

// WithSession returns a pipeline whose operations also advance s. Calls
// that would make an illegal transition fail with ErrInvalidTransition
// before any completion is requested.
func (p *Pipeline) WithSession(s *Session) *Pipeline {
	cp := *p
	cp.session = s
	return &cp
}

// AnalysisResult carries either a parsed analysis or, when the model output
// could not be parsed, only the raw text.
type AnalysisResult struct {
	Analysis *scope.Analysis `json:"analysis,omitempty"`
	Raw      string          `json:"raw_response"`
}

// Parsed reports whether Analysis is set.
func (r *AnalysisResult) Parsed() bool {
	return r.Analysis != nil
}

// Analyze classifies the project and proposes the first clarifying
// questions. It fails only when the completion fails.
func (p *Pipeline) Analyze(ctx context.Context, projectName, transcription string) (*AnalysisResult, error) {
	if strings.TrimSpace(projectName) == "" {
		return nil, scope.ErrNameRequired
	}
	if err := p.session.check(StateAnalyzed); err != nil {
		return nil, err
	}

	msgs := prompts.Analysis(projectName, transcription, p.guidance.Text())
	resp, err := p.complete(ctx, PhaseAnalysis, "", msgs)
	if err != nil {
		return nil, fmt.Errorf("analyze project: %w", err)
	}

	result := &AnalysisResult{Raw: resp.Content}
	parsed := llm.Decode[scope.Analysis](resp.Content)
	if parsed.OK {
		a := parsed.Value
		if a.RelevantSections == nil {
			a.RelevantSections = []string{}
		}
		if a.InitialQuestions == nil {
			a.InitialQuestions = []scope.Question{}
		}
		result.Analysis = &a
	} else {
		p.logger.Warn("Analysis output was not valid JSON, returning raw text",
			"project", projectName, "error", parsed.Err)
	}

	if err := p.session.move(StateAnalyzed); err != nil {
		return nil, err
	}
	return result, nil
}

// FollowUpStatus distinguishes the outcomes of a follow-up round.
type FollowUpStatus string

// Follow-up outcomes.
const (
	NoFurtherQuestions FollowUpStatus = "no_further_questions"
	QuestionsPending   FollowUpStatus = "questions"
	FollowUpFailed     FollowUpStatus = "failed"
)

// FollowUpResult is the outcome of a follow-up round. Questions is never
// nil; on FollowUpFailed it holds one diagnostic question carrying the raw
// model output so callers can always render the list.
type FollowUpResult struct {
	Status    FollowUpStatus   `json:"status"`
	Questions []scope.Question `json:"questions"`
	Reason    string           `json:"reason,omitempty"`
}

// FollowUp asks whether critical information is still missing.
func (p *Pipeline) FollowUp(ctx context.Context, projectName string, info scope.ProjectInfo) (*FollowUpResult, error) {
	if strings.TrimSpace(projectName) == "" {
		return nil, scope.ErrNameRequired
	}
	if err := p.session.check(StateReadyToGenerate); err != nil {
		return nil, err
	}

	msgs := prompts.FollowUp(projectName, info, p.guidance.Text())
	resp, err := p.complete(ctx, PhaseFollowUp, "", msgs)

	var result *FollowUpResult
	switch {
	case err != nil && llm.IsExhausted(err) && errors.Is(err, llm.ErrEmptyResponse):
		p.logger.Info("Follow-up returned no content, treating as no further questions", "project", projectName)
		result = noFurtherQuestions()
	case err != nil:
		return nil, fmt.Errorf("follow-up questions: %w", err)
	default:
		result = p.parseFollowUp(projectName, resp.Content)
	}

	next := StateFollowUpPending
	if result.Status == NoFurtherQuestions {
		next = StateReadyToGenerate
	}
	if err := p.session.move(next); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) parseFollowUp(projectName, content string) *FollowUpResult {
	if llm.Unfence(content) == "" {
		return noFurtherQuestions()
	}

	parsed := llm.Decode[[]scope.Question](content)
	if !parsed.OK {
		p.logger.Warn("Follow-up output was not a JSON array", "project", projectName, "error", parsed.Err)
		return &FollowUpResult{
			Status: FollowUpFailed,
			Questions: []scope.Question{{
				Question:  "Error parsing AI response",
				WhyNeeded: "Debug information",
				Section:   "Debug",
				BasedOn:   "Raw response: " + content,
			}},
			Reason: parsed.AsError().Error(),
		}
	}

	questions := make([]scope.Question, 0, len(parsed.Value))
	for _, q := range parsed.Value {
		if strings.TrimSpace(q.Question) != "" {
			questions = append(questions, q)
		}
	}
	if len(questions) == 0 {
		return noFurtherQuestions()
	}
	return &FollowUpResult{Status: QuestionsPending, Questions: questions}
}

func noFurtherQuestions() *FollowUpResult {
	return &FollowUpResult{Status: NoFurtherQuestions, Questions: []scope.Question{}}
}

// GenerationError reports a failed generation. Nothing is persisted when
// it is returned.
type GenerationError struct {
	ProjectName string
	Phase       string
	Err         error
}

func (e *GenerationError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("generate scope for %q (%s): %v", e.ProjectName, e.Phase, e.Err)
	}
	return fmt.Sprintf("generate scope for %q: %v", e.ProjectName, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Generate writes the scope document from the collected information,
// formats it and persists it as a new document. modelName overrides the
// default model. Every failure is a *GenerationError.
func (p *Pipeline) Generate(ctx context.Context, projectName string, info scope.ProjectInfo, modelName string) (*scope.Document, error) {
	fail := func(phase string, err error) (*scope.Document, error) {
		p.logger.Error("Scope generation failed", "project", projectName, "phase", phase, "error", err)
		return nil, &GenerationError{ProjectName: projectName, Phase: phase, Err: err}
	}

	if strings.TrimSpace(projectName) == "" {
		return fail("", scope.ErrNameRequired)
	}
	if err := p.session.check(StateGenerated); err != nil {
		return fail("", err)
	}

	qa := info.QuestionAnswers()
	guidance := p.guidance.Text()

	var content string
	if p.opts.Phased {
		phases := prompts.DocumentPhases(projectName, info.Transcription, qa, guidance)
		parts := make([]string, len(phases))

		g, gctx := errgroup.WithContext(ctx)
		for i, ph := range phases {
			g.Go(func() error {
				resp, err := p.complete(gctx, PhaseDocument+"_"+ph.Phase, modelName, ph.Messages)
				if err != nil {
					return &GenerationError{ProjectName: projectName, Phase: ph.Phase, Err: err}
				}
				parts[i] = resp.Content
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			var ge *GenerationError
			if errors.As(err, &ge) {
				return fail(ge.Phase, ge.Err)
			}
			return fail(PhaseDocument, err)
		}
		content = markdown.FormatStructuredParts(parts...)
	} else {
		msgs := prompts.Document(projectName, info.Transcription, qa, guidance)
		resp, err := p.complete(ctx, PhaseDocument, modelName, msgs)
		if err != nil {
			return fail(PhaseDocument, err)
		}
		content = markdown.FormatStructured(resp.Content)
	}

	doc := &scope.Document{
		ProjectName: projectName,
		ProjectInfo: info,
		Scope:       content,
	}
	id, err := p.store.Create(ctx, doc)
	if err != nil {
		return fail("persist", err)
	}

	if err := p.session.generated(id); err != nil {
		p.logger.Warn("Session rejected generated state", "id", id, "error", err)
	}

	p.logger.Info("Generated scope document",
		"id", id,
		"project", projectName,
		"words", markdown.WordCount(content),
		"phased", p.opts.Phased)
	return doc, nil
}

// ChatTurn is the result of one AI edit conversation turn.
type ChatTurn struct {
	Message string            `json:"message"`
	Edit    *edit.PendingEdit `json:"edit,omitempty"`
	Note    string            `json:"note,omitempty"`
	Outcome edit.Outcome      `json:"outcome"`
}

// Chat sends a user message about a stored document and resolves any edit
// the model proposes. It never modifies the document.
func (p *Pipeline) Chat(ctx context.Context, id, userMessage string, history []llm.Message, modelName string) (*ChatTurn, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, ErrMessageRequired
	}

	doc, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	msgs := prompts.EditChat(doc.Scope, history, userMessage)
	resp, err := p.complete(ctx, PhaseEditChat, modelName, msgs)
	if err != nil {
		return nil, fmt.Errorf("edit chat: %w", err)
	}

	res := edit.Resolve(doc.Scope, resp.Content)
	p.opts.Metrics.EditResolved(string(res.Outcome))
	if res.Note != "" {
		p.logger.Info("Dropped proposed edit", "id", id, "outcome", res.Outcome, "note", res.Note)
	}

	return &ChatTurn{
		Message: res.Message,
		Edit:    res.Edit,
		Note:    res.Note,
		Outcome: res.Outcome,
	}, nil
}

// ApplyEdit applies a resolved edit to the live document. The edit is
// validated again under the document's lock, so an edit resolved against
// an older version fails with edit.ErrStaleEdit or edit.ErrInvalidRange.
// The word-count trailer, if present, is recomputed.
func (p *Pipeline) ApplyEdit(ctx context.Context, id string, e edit.PendingEdit) (*scope.Document, error) {
	doc, err := p.store.UpdateFunc(ctx, id, func(cur *scope.Document) (scope.Patch, error) {
		updated, err := edit.Apply(cur.Scope, e)
		if err != nil {
			return scope.Patch{}, err
		}
		if _, had := markdown.StripWordCount(cur.Scope); had {
			updated = markdown.WithWordCount(updated)
		}
		return scope.Patch{Scope: &updated}, nil
	})
	if err != nil {
		if errors.Is(err, edit.ErrStaleEdit) || errors.Is(err, edit.ErrInvalidRange) {
			p.opts.Metrics.EditResolved("rejected")
		}
		return nil, err
	}

	p.opts.Metrics.EditResolved("applied")
	return doc, nil
}

func (p *Pipeline) complete(ctx context.Context, phase, modelName string, msgs []llm.Message) (*llm.Response, error) {
	if modelName == "" {
		modelName = p.opts.DefaultModel
	}
	return p.completer.Complete(ctx, llm.Request{
		Phase:       phase,
		Model:       modelName,
		Messages:    msgs,
		Temperature: p.opts.Temperature,
		MaxTokens:   p.opts.MaxTokens,
	})
}
