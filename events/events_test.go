package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, WithSubjectPrefix("acme.scope"))

	ts := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), Event{
		Type:        Restored,
		DocumentID:  "acme-portal-20261017-120000",
		ProjectName: "Acme Portal",
		Versions:    2,
		Timestamp:   ts,
	})
	require.NoError(t, err)

	require.Len(t, fc.subjects, 1)
	assert.Equal(t, "acme.scope.restored", fc.subjects[0])

	var got Event
	require.NoError(t, json.Unmarshal(fc.payloads[0], &got))
	assert.Equal(t, "acme-portal-20261017-120000", got.DocumentID)
	assert.Equal(t, 2, got.Versions)
	assert.True(t, got.Timestamp.Equal(ts))
}

func TestNATSPublisher_DefaultPrefix(t *testing.T) {
	p := newPublisher(&fakeConn{}, WithSubjectPrefix(""))
	assert.Equal(t, "scopecraft.scope.created", p.Subject(Created))
}

func TestNATSPublisher_Errors(t *testing.T) {
	fc := &fakeConn{err: errors.New("nats: connection closed")}
	p := newPublisher(fc)

	err := p.Publish(context.Background(), Event{Type: Updated})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scopecraft.scope.updated")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, Event{Type: Updated}), context.Canceled)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: Created}))
}
