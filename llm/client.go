// Package llm provides a provider-agnostic completion client with bounded
// retry and linear backoff, plus helpers for decoding structured model output.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/scopecraft/metrics"
	"github.com/c360studio/scopecraft/model"
	"github.com/google/uuid"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// PhaseHeader carries Request.Phase to the endpoint. Real providers ignore
// it; the mock server uses it to pick fixtures.
const PhaseHeader = "X-Scope-Phase"

// Roles accepted in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Completer is satisfied by anything that can run a single completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client is a provider-agnostic LLM client with retry support.
// It holds no per-request state and is safe for concurrent use.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics

	// recorder optionally journals calls. If nil, recording is disabled.
	recorder CallRecorder
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request defines an LLM completion request.
type Request struct {
	// Phase names the pipeline step issuing the request ("analysis",
	// "follow_up", "document", ...). Used for logging, metrics and fixtures.
	Phase string

	// Model is a registry alias or a provider model id. Empty uses the default.
	Model string

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID uniquely identifies this call; it matches the journal entry.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the model reported by the endpoint.
	Model string

	// Usage contains detailed token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string

	// Attempts is how many HTTP attempts the call took.
	Attempts int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the per-attempt HTTP timeout on the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		if d > 0 {
			client.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(client *Client) {
		client.metrics = m
	}
}

// WithRecorder sets the call journal.
func WithRecorder(r CallRecorder) ClientOption {
	return func(client *Client) {
		client.recorder = r
	}
}

// NewClient creates a new LLM client with the given model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.retryConfig.MaxAttempts < 1 {
		c.retryConfig.MaxAttempts = 1
	}

	return c
}

// Complete sends a completion request, retrying transient failures with
// linear backoff. When every attempt fails the error is an *ExhaustedError
// wrapping the last failure. Cancellation of ctx is returned as ctx.Err().
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	requestID := uuid.New().String()
	startedAt := time.Now()

	ep, key := c.registry.Resolve(req.Model)
	record := &CallRecord{
		RequestID: requestID,
		Phase:     req.Phase,
		Model:     ep.Model,
		Provider:  ep.Provider,
		Messages:  req.Messages,
		StartedAt: startedAt,
	}

	resp, attempts, err := c.completeWithRetry(ctx, ep, req)
	record.Attempts = attempts
	record.CompletedAt = time.Now()
	record.Duration = record.CompletedAt.Sub(startedAt)

	if err != nil {
		outcome := "exhausted"
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			outcome = "canceled"
		} else {
			c.registry.MarkEndpointFailure(key, err)
		}
		record.Error = err.Error()
		c.metrics.CompletionDone(req.Phase, outcome, record.Duration)
		c.recordCall(ctx, record)
		return nil, err
	}

	c.registry.MarkEndpointSuccess(key)
	resp.RequestID = requestID
	resp.Attempts = attempts

	record.Model = resp.Model
	record.Response = resp.Content
	record.PromptTokens = resp.Usage.PromptTokens
	record.CompletionTokens = resp.Usage.CompletionTokens
	record.TotalTokens = resp.Usage.TotalTokens
	record.FinishReason = resp.FinishReason
	c.metrics.CompletionDone(req.Phase, "ok", record.Duration)
	c.recordCall(ctx, record)

	return resp, nil
}

// recordCall journals a call if a recorder is configured.
// Failures are logged but don't affect the LLM call itself.
func (c *Client) recordCall(ctx context.Context, record *CallRecord) {
	if c.recorder == nil {
		return
	}

	// The journal entry should land even if the caller gave up.
	if err := c.recorder.Record(context.WithoutCancel(ctx), record); err != nil {
		c.logger.Warn("Failed to record LLM call",
			"request_id", record.RequestID,
			"phase", record.Phase,
			"error", err)
	}
}

// completeWithRetry runs up to MaxAttempts attempts and returns the attempt count.
func (c *Client) completeWithRetry(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		c.metrics.CompletionAttempt(req.Phase)

		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			return resp, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}

		lastErr = err

		if IsFatal(err) {
			c.logger.Warn("Fatal completion error, not retrying",
				"phase", req.Phase,
				"model", ep.Model,
				"error", err)
			return nil, attempt, &ExhaustedError{Attempts: attempt, Err: err}
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.retryConfig.Backoff(attempt)
			c.logger.Debug("Completion failed, retrying",
				"phase", req.Phase,
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.logger.Warn("Completion attempts exhausted",
		"phase", req.Phase,
		"model", ep.Model,
		"attempts", c.retryConfig.MaxAttempts,
		"error", lastErr)

	return nil, c.retryConfig.MaxAttempts, &ExhaustedError{Attempts: c.retryConfig.MaxAttempts, Err: lastErr}
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider %q (registered: %s)", ep.Provider, strings.Join(ListProviders(), ", ")))
	}

	url := provider.BuildURL(ep.URL)

	maxTokens := req.MaxTokens
	if ep.MaxTokens > 0 && (maxTokens == 0 || maxTokens > ep.MaxTokens) {
		maxTokens = ep.MaxTokens
	}

	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, maxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"phase", req.Phase,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if req.Phase != "" {
		httpReq.Header.Set(PhaseHeader, req.Phase)
	}
	provider.SetHeaders(httpReq, ep)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and timeouts are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody)
	if err != nil {
		// Garbled or empty payloads are retried like any other bad response.
		return nil, NewTransientError(err)
	}
	return resp, nil
}

// classifyHTTPError wraps a non-2xx response. Every status is retried:
// rate limits and gateway errors clear on their own, and free-tier routers
// return 4xx for upstream hiccups often enough that failing fast costs more
// than two extra attempts.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	return NewTransientError(&StatusError{StatusCode: statusCode, Body: bodyStr})
}
