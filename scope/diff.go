package scope

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffOp is the kind of a diff chunk.
type DiffOp string

// Diff chunk kinds.
const (
	DiffEqual  DiffOp = "equal"
	DiffInsert DiffOp = "insert"
	DiffDelete DiffOp = "delete"
)

// DiffChunk is a run of lines with the same operation.
type DiffChunk struct {
	Op   DiffOp `json:"op"`
	Text string `json:"text"`
}

// Diff compares a snapshot's scope with the live scope.
type Diff struct {
	ID      string      `json:"id"`
	From    time.Time   `json:"from"`
	Chunks  []DiffChunk `json:"chunks"`
	Added   int         `json:"lines_added"`
	Removed int         `json:"lines_removed"`
	Patch   string      `json:"patch"`
}

// Diff returns the line diff from the snapshot taken at timestamp to the
// live scope of the document.
func (s *Store) Diff(ctx context.Context, id string, timestamp time.Time) (*Diff, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	snap, ok := findSnapshot(doc.VersionHistory, timestamp)
	if !ok {
		return nil, fmt.Errorf("%w: %s at %s", ErrSnapshotNotFound, id, timestamp.Format(time.RFC3339Nano))
	}

	d := DiffText(snap.Scope, doc.Scope)
	d.ID = id
	d.From = snap.Timestamp
	return d, nil
}

// DiffText computes a line-level diff between two texts.
func DiffText(before, after string) *Diff {
	dmp := diffmatchpatch.New()

	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	out := &Diff{Chunks: make([]DiffChunk, 0, len(diffs))}
	for _, d := range diffs {
		var op DiffOp
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = DiffInsert
			out.Added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			op = DiffDelete
			out.Removed += countLines(d.Text)
		default:
			op = DiffEqual
		}
		out.Chunks = append(out.Chunks, DiffChunk{Op: op, Text: d.Text})
	}

	out.Patch = dmp.PatchToText(dmp.PatchMake(before, diffs))
	return out
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
