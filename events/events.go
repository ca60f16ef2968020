// Package events publishes scope document lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "scopecraft.scope"

// Type names a document lifecycle event.
type Type string

// Event types.
const (
	Created  Type = "created"
	Updated  Type = "updated"
	Restored Type = "restored"
)

// Event is the payload published for each successful mutation.
type Event struct {
	Type        Type      `json:"type"`
	DocumentID  string    `json:"document_id"`
	ProjectName string    `json:"project_name"`
	Versions    int       `json:"versions"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher delivers events. Publish errors are reported to the caller,
// which logs them; they never fail the mutation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events as JSON on "<prefix>.<type>".
type NATSPublisher struct {
	nc     conn
	prefix string
	logger *slog.Logger
}

// Option configures a NATSPublisher.
type Option func(*NATSPublisher)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(p *NATSPublisher) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *NATSPublisher) {
		p.logger = logger
	}
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(nc *nats.Conn, opts ...Option) *NATSPublisher {
	return newPublisher(nc, opts...)
}

func newPublisher(nc conn, opts ...Option) *NATSPublisher {
	p := &NATSPublisher{
		nc:     nc,
		prefix: DefaultSubjectPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := p.Subject(e.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.logger.Debug("Published scope event", "subject", subject, "id", e.DocumentID)
	return nil
}
