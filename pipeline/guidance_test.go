package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGuidance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.txt")
	require.NoError(t, os.WriteFile(path, []byte("Use numbered requirements."), 0o644))

	g := LoadGuidance(path, nil)
	assert.Equal(t, "Use numbered requirements.", g.Text())
	assert.Equal(t, path, g.Path())
}

func TestLoadGuidance_MissingFile(t *testing.T) {
	g := LoadGuidance(filepath.Join(t.TempDir(), "absent.txt"), nil)
	assert.Empty(t, g.Text())
}

func TestGuidance_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "context.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := LoadGuidance(path, nil)
	require.NoError(t, g.Watch(ctx))
	require.NoError(t, g.Watch(ctx), "second Watch is a no-op")

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	assert.Eventually(t, func() bool { return g.Text() == "v2" }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool { return g.Text() == "" }, 3*time.Second, 20*time.Millisecond)
}

func TestStaticGuidance(t *testing.T) {
	var src GuidanceSource = StaticGuidance("fixed")
	assert.Equal(t, "fixed", src.Text())
}
