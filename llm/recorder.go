package llm

import (
	"context"
	"time"
)

// CallRecord describes one Complete invocation for the call journal.
type CallRecord struct {
	RequestID        string        `json:"request_id"`
	Phase            string        `json:"phase"`
	Model            string        `json:"model"`
	Provider         string        `json:"provider"`
	Messages         []Message     `json:"messages"`
	Response         string        `json:"response"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	FinishReason     string        `json:"finish_reason"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      time.Time     `json:"completed_at"`
	Duration         time.Duration `json:"duration"`
	Attempts         int           `json:"attempts"`
	Error            string        `json:"error,omitempty"`
}

// ResponsePreview returns at most n bytes of the response.
func (r *CallRecord) ResponsePreview(n int) string {
	if len(r.Response) <= n {
		return r.Response
	}
	return r.Response[:n]
}

// CallRecorder persists call records. Implementations must be safe for
// concurrent use.
type CallRecorder interface {
	Record(ctx context.Context, record *CallRecord) error
}
