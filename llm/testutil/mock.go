// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/scopecraft/llm"
)

// Step is one scripted outcome of a MockCompleter call.
type Step struct {
	Content string
	Err     error
}

// MockCompleter is a thread-safe scripted llm.Completer.
//
// Usage:
//
//	mock := &testutil.MockCompleter{
//	    Steps: []testutil.Step{
//	        {Content: `{"project_type": "Web Application"}`},
//	        {Err: &llm.ExhaustedError{Attempts: 3, Err: llm.ErrEmptyResponse}},
//	    },
//	}
//
// When the script runs out, Fallback is used; when Route is set it takes
// precedence over both and is called with the request.
type MockCompleter struct {
	mu       sync.Mutex
	Steps    []Step
	Fallback Step
	Route    func(llm.Request) Step

	requests []llm.Request
	index    int
}

// Complete implements llm.Completer.
func (m *MockCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	route := m.Route
	var step Step
	switch {
	case route != nil:
	case m.index < len(m.Steps):
		step = m.Steps[m.index]
		m.index++
	default:
		step = m.Fallback
	}
	m.mu.Unlock()

	// Route runs unlocked so concurrent callers can overlap.
	if route != nil {
		step = route(req)
	}

	if step.Err != nil {
		return nil, step.Err
	}
	return &llm.Response{Content: step.Content, Model: req.Model, Attempts: 1}, nil
}

// Requests returns a copy of every request received so far.
func (m *MockCompleter) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of times Complete was called.
func (m *MockCompleter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset clears recorded requests and rewinds the script.
func (m *MockCompleter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.index = 0
}
