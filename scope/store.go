package scope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/scopecraft/events"
	"github.com/c360studio/scopecraft/metrics"
)

// fileExt is the extension of document files in the store directory.
const fileExt = ".json"

// Store persists documents as one JSON file per id under a directory.
//
// Mutations of a single id are serialized by a per-id mutex; different ids
// never contend. Every write goes to a temp file that is renamed over the
// target, so readers see either the old or the new record.
type Store struct {
	dir       string
	logger    *slog.Logger
	publisher events.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*idLock
}

// idLock is a per-id mutex. refs counts holders and waiters; the entry is
// dropped from Store.locks when it reaches zero.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) StoreOption {
	return func(s *Store) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a store rooted at dir. The directory is created on the
// first write.
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{
		dir:       dir,
		logger:    slog.Default(),
		publisher: events.Nop{},
		now:       time.Now,
		locks:     make(map[string]*idLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// lock acquires the mutex for an id and returns its release function.
func (s *Store) lock(id string) (unlock func()) {
	s.locksMu.Lock()
	l := s.locks[id]
	if l == nil {
		l = &idLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

// Create persists a new document and returns its id. A missing id is
// derived from the project name and creation time; when that id is taken
// a numeric suffix is added. The history is reset to empty.
func (s *Store) Create(ctx context.Context, doc *Document) (string, error) {
	id, err := s.create(ctx, doc)
	s.metrics.DocumentOp("create", err)
	return id, err
}

func (s *Store) create(ctx context.Context, doc *Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(doc.ProjectName) == "" {
		return "", ErrNameRequired
	}

	if doc.DateCreated.IsZero() {
		doc.DateCreated = s.now().UTC()
	}
	doc.VersionHistory = []Snapshot{}
	doc.RestorationNotes = nil

	explicit := doc.ID != ""
	base := doc.ID
	if !explicit {
		base = NewID(doc.ProjectName, doc.DateCreated)
	}
	if err := ValidateID(base); err != nil {
		return "", err
	}

	for n := 1; ; n++ {
		id := base
		if n > 1 {
			id = fmt.Sprintf("%s-%d", base, n)
		}

		unlock := s.lock(id)
		_, statErr := os.Stat(s.path(id))
		if statErr == nil {
			unlock()
			if explicit {
				return "", fmt.Errorf("%w: %s", ErrExists, id)
			}
			continue
		}
		if !errors.Is(statErr, fs.ErrNotExist) {
			unlock()
			return "", &PersistenceError{Op: "stat", ID: id, Err: statErr}
		}

		doc.ID = id
		err := s.write(doc)
		unlock()
		if err != nil {
			return "", err
		}

		s.logger.Info("Created scope document", "id", id, "project", doc.ProjectName)
		s.publish(ctx, events.Created, doc)
		return id, nil
	}
}

// Get loads a document.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return s.read(id)
}

// ListError describes a file List could not read.
type ListError struct {
	FileName string `json:"file_name"`
	Error    string `json:"error"`
}

// ListResult is returned by List.
type ListResult struct {
	Scopes []Summary   `json:"scopes"`
	Errors []ListError `json:"errors,omitempty"`
}

// List summarizes every document, newest first. Files that cannot be read
// are reported in Errors and otherwise skipped.
func (s *Store) List(ctx context.Context) (*ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &ListResult{Scopes: []Summary{}}

	if _, err := os.Stat(s.dir); errors.Is(err, fs.ErrNotExist) {
		return result, nil
	}

	names, err := doublestar.Glob(os.DirFS(s.dir), "*"+fileExt)
	if err != nil {
		return nil, &PersistenceError{Op: "list", ID: s.dir, Err: err}
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id := strings.TrimSuffix(name, fileExt)
		if ValidateID(id) != nil {
			continue
		}

		doc, err := s.read(id)
		if err != nil {
			s.logger.Warn("Skipping unreadable scope file", "file", name, "error", err)
			result.Errors = append(result.Errors, ListError{FileName: name, Error: err.Error()})
			continue
		}

		created := doc.DateCreated
		if created.IsZero() {
			if info, err := os.Stat(s.path(id)); err == nil {
				created = info.ModTime().UTC()
			}
		}

		displayName := doc.ProjectName
		if displayName == "" {
			displayName = "Unknown Project"
		}

		result.Scopes = append(result.Scopes, Summary{
			ID:          id,
			ProjectName: displayName,
			DateCreated: created,
			FileName:    id + fileExt,
			Versions:    len(doc.VersionHistory),
		})
	}

	sort.SliceStable(result.Scopes, func(i, j int) bool {
		a, b := result.Scopes[i], result.Scopes[j]
		if !a.DateCreated.Equal(b.DateCreated) {
			return a.DateCreated.After(b.DateCreated)
		}
		return a.ID > b.ID
	})
	return result, nil
}

// Update applies a patch. If the resulting name or scope differs from the
// stored value, the pre-update state is appended to the history first.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*Document, error) {
	return s.UpdateFunc(ctx, id, func(*Document) (Patch, error) {
		return patch, nil
	})
}

// UpdateFunc is Update with the patch computed from the current record
// while the document's lock is held. fn must not call back into the store
// for the same id.
func (s *Store) UpdateFunc(ctx context.Context, id string, fn func(current *Document) (Patch, error)) (*Document, error) {
	doc, written, err := s.updateFunc(ctx, id, fn)
	if written || err != nil {
		s.metrics.DocumentOp("update", err)
	}
	if err != nil {
		return nil, err
	}
	if written {
		s.publish(ctx, events.Updated, doc)
	}
	return doc, nil
}

func (s *Store) updateFunc(ctx context.Context, id string, fn func(*Document) (Patch, error)) (*Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := ValidateID(id); err != nil {
		return nil, false, err
	}

	defer s.lock(id)()

	doc, err := s.read(id)
	if err != nil {
		return nil, false, err
	}

	view := *doc
	view.VersionHistory = append([]Snapshot(nil), doc.VersionHistory...)
	patch, err := fn(&view)
	if err != nil {
		return nil, false, err
	}

	name, content := doc.ProjectName, doc.Scope
	if patch.ProjectName != nil {
		name = *patch.ProjectName
	}
	if patch.Scope != nil {
		content = *patch.Scope
	}

	changed := name != doc.ProjectName || content != doc.Scope
	if changed {
		doc.VersionHistory = append(doc.VersionHistory, Snapshot{
			Timestamp:   s.nextTimestamp(doc),
			ProjectName: doc.ProjectName,
			Scope:       doc.Scope,
		})
		doc.ProjectName = name
		doc.Scope = content
	}
	if patch.ProjectInfo != nil {
		doc.ProjectInfo = *patch.ProjectInfo
	}

	if !changed && patch.ProjectInfo == nil {
		return doc, false, nil
	}

	if err := s.write(doc); err != nil {
		return nil, false, err
	}

	s.logger.Debug("Updated scope document",
		"id", id,
		"snapshot", changed,
		"versions", len(doc.VersionHistory))
	return doc, true, nil
}

// History returns a document's snapshots, oldest first. A missing document
// has an empty history.
func (s *Store) History(ctx context.Context, id string) ([]Snapshot, error) {
	doc, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.VersionHistory, nil
}

// Restore makes the snapshot taken at timestamp live again. The current
// live state is first appended as a restore point, so nothing is lost.
func (s *Store) Restore(ctx context.Context, id string, timestamp time.Time) (*Document, error) {
	doc, err := s.restore(ctx, id, timestamp)
	s.metrics.DocumentOp("restore", err)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.Restored, doc)
	return doc, nil
}

func (s *Store) restore(ctx context.Context, id string, timestamp time.Time) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	defer s.lock(id)()

	doc, err := s.read(id)
	if err != nil {
		return nil, err
	}

	target, ok := findSnapshot(doc.VersionHistory, timestamp)
	if !ok {
		return nil, fmt.Errorf("%w: %s at %s", ErrSnapshotNotFound, id, timestamp.Format(time.RFC3339Nano))
	}

	now := s.nextTimestamp(doc)
	from := target.Timestamp
	doc.VersionHistory = append(doc.VersionHistory, Snapshot{
		Timestamp:      now,
		ProjectName:    doc.ProjectName,
		Scope:          doc.Scope,
		IsRestorePoint: true,
		RestoredFrom:   &from,
	})
	doc.ProjectName = target.ProjectName
	doc.Scope = target.Scope
	doc.RestorationNotes = append(doc.RestorationNotes, fmt.Sprintf("Restored version from %s at %s",
		from.Format(time.RFC3339), now.Format(time.RFC3339)))

	if err := s.write(doc); err != nil {
		return nil, err
	}

	s.logger.Info("Restored scope document", "id", id, "from", from)
	return doc, nil
}

func findSnapshot(history []Snapshot, ts time.Time) (Snapshot, bool) {
	for _, snap := range history {
		if snap.Timestamp.Equal(ts) {
			return snap, true
		}
	}
	return Snapshot{}, false
}

// nextTimestamp returns the current time, nudged forward if needed so that
// snapshot timestamps within a document stay strictly increasing.
func (s *Store) nextTimestamp(doc *Document) time.Time {
	ts := s.now().UTC().Round(0)
	if n := len(doc.VersionHistory); n > 0 {
		last := doc.VersionHistory[n-1].Timestamp
		if !ts.After(last) {
			ts = last.Add(time.Microsecond)
		}
	}
	return ts
}

// read loads a document file. The caller validates id.
func (s *Store) read(id string) (*Document, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read", ID: id, Err: err}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &PersistenceError{Op: "decode", ID: id, Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}
	if doc.ID == "" {
		doc.ID = id
	}
	if doc.VersionHistory == nil {
		doc.VersionHistory = []Snapshot{}
	}
	return &doc, nil
}

// write stores doc atomically via a temp file and rename.
func (s *Store) write(doc *Document) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &PersistenceError{Op: "write", ID: doc.ID, Err: fmt.Errorf("create directory: %w", err)}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "write", ID: doc.ID, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, doc.ID+".*.tmp")
	if err != nil {
		return &PersistenceError{Op: "write", ID: doc.ID, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &PersistenceError{Op: "write", ID: doc.ID, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &PersistenceError{Op: "write", ID: doc.ID, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &PersistenceError{Op: "write", ID: doc.ID, Err: err}
	}
	if err := os.Rename(tmpPath, s.path(doc.ID)); err != nil {
		os.Remove(tmpPath)
		return &PersistenceError{Op: "write", ID: doc.ID, Err: err}
	}
	return nil
}

func (s *Store) publish(ctx context.Context, t events.Type, doc *Document) {
	err := s.publisher.Publish(context.WithoutCancel(ctx), events.Event{
		Type:        t,
		DocumentID:  doc.ID,
		ProjectName: doc.ProjectName,
		Versions:    len(doc.VersionHistory),
		Timestamp:   s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("Failed to publish scope event", "type", t, "id", doc.ID, "error", err)
	}
}
