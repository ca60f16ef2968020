package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/scopecraft/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ llm.CallRecorder = (*Journal)(nil)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "nested", "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func record(id, phase string, started time.Time) *llm.CallRecord {
	return &llm.CallRecord{
		RequestID: id,
		Phase:     phase,
		Model:     "google/gemini-2.0-pro-exp-02-05:free",
		Provider:  "openrouter",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are a professional scope writer."},
			{Role: llm.RoleUser, Content: "Analyze Acme Portal"},
		},
		Response:    `{"project_type": "Web Application"}`,
		TotalTokens: 42,
		Attempts:    2,
		Duration:    1500 * time.Millisecond,
		StartedAt:   started,
		CompletedAt: started.Add(1500 * time.Millisecond),
	}
}

func TestRecordAndGet(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	started := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, record("req-1", "analysis", started)))

	got, err := j.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "analysis", got.Phase)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "Analyze Acme Portal", got.Messages[1].Content)
	assert.True(t, got.StartedAt.Equal(started))

	_, err = j.Get(ctx, "missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestRecordRequiresID(t *testing.T) {
	j := openTest(t)
	err := j.Record(context.Background(), &llm.CallRecord{})
	require.Error(t, err)
}

func TestRecordDuplicateID(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, j.Record(ctx, record("dup", "analysis", now)))
	assert.Error(t, j.Record(ctx, record("dup", "analysis", now)))
}

func TestRecent(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		phase := "analysis"
		if i%2 == 1 {
			phase = "follow_up"
		}
		require.NoError(t, j.Record(ctx, record(fmt.Sprintf("req-%d", i), phase, base.Add(time.Duration(i)*time.Minute))))
	}

	all, err := j.Recent(ctx, 3, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "req-4", all[0].RequestID)
	assert.Equal(t, "req-2", all[2].RequestID)
	assert.Equal(t, `{"project_type": "Web Application"}`, all[0].ResponsePreview)

	followUps, err := j.Recent(ctx, 0, "follow_up")
	require.NoError(t, err)
	require.Len(t, followUps, 2)
	assert.Equal(t, "req-3", followUps[0].RequestID)
}
