package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultGuidancePath is where the guidance document is looked for when
// none is configured.
const DefaultGuidancePath = "context.txt"

// guidanceDebounce coalesces bursts of editor writes into one reload.
const guidanceDebounce = 200 * time.Millisecond

// GuidanceSource supplies the static guidance text folded into prompts.
type GuidanceSource interface {
	Text() string
}

// StaticGuidance is a fixed guidance text.
type StaticGuidance string

// Text implements GuidanceSource.
func (s StaticGuidance) Text() string { return string(s) }

// Guidance is a guidance document loaded from disk. A missing file yields
// empty guidance. Watch keeps the text current as the file changes.
type Guidance struct {
	path   string
	logger *slog.Logger
	text   atomic.Pointer[string]

	watchOnce sync.Once
}

// LoadGuidance reads the guidance file at path.
func LoadGuidance(path string, logger *slog.Logger) *Guidance {
	if path == "" {
		path = DefaultGuidancePath
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guidance{path: path, logger: logger}
	g.reload()
	return g
}

// Text implements GuidanceSource.
func (g *Guidance) Text() string {
	if p := g.text.Load(); p != nil {
		return *p
	}
	return ""
}

// Path returns the file the guidance is read from.
func (g *Guidance) Path() string {
	return g.path
}

func (g *Guidance) reload() {
	data, err := os.ReadFile(g.path)
	text := string(data)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		g.logger.Warn("Guidance document not found, continuing without it", "path", g.path)
		text = ""
	case err != nil:
		g.logger.Warn("Failed to read guidance document", "path", g.path, "error", err)
		return
	default:
		g.logger.Debug("Loaded guidance document", "path", g.path, "bytes", len(data))
	}
	g.text.Store(&text)
}

// Watch reloads the guidance whenever the file is written, created,
// renamed or removed, until ctx is done. It watches the parent directory so
// editors that replace the file are handled. Calling Watch again is a no-op.
func (g *Guidance) Watch(ctx context.Context) error {
	var err error
	started := false
	g.watchOnce.Do(func() {
		started = true
		err = g.watch(ctx)
	})
	if !started {
		return nil
	}
	return err
}

func (g *Guidance) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(g.path)
	if err != nil {
		w.Close()
		return err
	}
	dir := filepath.Dir(abs)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(guidanceDebounce, g.reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				g.logger.Warn("Guidance watcher error", "error", err)
			}
		}
	}()

	g.logger.Info("Watching guidance document", "path", abs)
	return nil
}
