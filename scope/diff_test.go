package scope

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffText(t *testing.T) {
	before := "# Scope\nline one\nline two\n"
	after := "# Scope\nline one\nline 2\nline three\n"

	d := DiffText(before, after)

	assert.Equal(t, 2, d.Added)
	assert.Equal(t, 1, d.Removed)
	assert.NotEmpty(t, d.Patch)

	var rebuilt strings.Builder
	for _, c := range d.Chunks {
		if c.Op != DiffDelete {
			rebuilt.WriteString(c.Text)
		}
	}
	assert.Equal(t, after, rebuilt.String())
}

func TestDiffText_Identical(t *testing.T) {
	d := DiffText("same\n", "same\n")
	assert.Zero(t, d.Added)
	assert.Zero(t, d.Removed)
	require.Len(t, d.Chunks, 1)
	assert.Equal(t, DiffEqual, d.Chunks[0].Op)
}

func TestStore_Diff(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, err := s.Create(ctx, &Document{ProjectName: "Diffed", Scope: "a\nb\n"})
	require.NoError(t, err)
	_, err = s.Update(ctx, id, Patch{Scope: strPtr("a\nc\n")})
	require.NoError(t, err)

	history, err := s.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)

	d, err := s.Diff(ctx, id, history[0].Timestamp)
	require.NoError(t, err)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, 1, d.Added)
	assert.Equal(t, 1, d.Removed)

	_, err = s.Diff(ctx, id, time.Unix(0, 0))
	assert.True(t, errors.Is(err, ErrSnapshotNotFound))
}
