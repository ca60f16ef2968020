// Package edit resolves line-addressed document edits proposed by a model
// in a chat reply, and applies them as a separate, explicit step.
package edit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/scopecraft/llm"
)

var (
	// ErrInvalidRange is returned when an edit's line bounds do not fit the document.
	ErrInvalidRange = errors.New("invalid edit range")

	// ErrStaleEdit is returned when the document's line count changed since
	// the edit was resolved.
	ErrStaleEdit = errors.New("document changed since edit was proposed")
)

// Outcome classifies a resolution.
type Outcome string

// Resolution outcomes.
const (
	OutcomeMessageOnly  Outcome = "message_only"
	OutcomeEdit         Outcome = "edit"
	OutcomeInvalidRange Outcome = "invalid_range"
	OutcomeUnparseable  Outcome = "unparseable"
	OutcomeAmbiguous    Outcome = "ambiguous"
)

// PendingEdit replaces lines StartLine..EndLine (1-based, inclusive) with
// NewText. LineCount is the document length it was resolved against.
type PendingEdit struct {
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	NewText   string `json:"new_text"`
	LineCount int    `json:"line_count"`
}

// Resolution is the result of reading a chat reply.
type Resolution struct {
	// Message is the reply text shown to the user, without the edit block.
	Message string `json:"message"`

	// Edit is nil when the reply carries no usable edit.
	Edit *PendingEdit `json:"edit,omitempty"`

	// Note explains why a proposed edit was dropped.
	Note string `json:"note,omitempty"`

	Outcome Outcome `json:"outcome"`
}

// Lines splits content into lines the way NumberLines numbers them.
func Lines(content string) []string {
	return strings.Split(content, "\n")
}

// LineCount returns the number of numbered lines in content.
func LineCount(content string) int {
	return len(Lines(content))
}

// NumberLines renders content with a fixed-width 1-based line number prefix.
func NumberLines(content string) string {
	lines := Lines(content)
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%4d| %s", i+1, line)
		if i < len(lines)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Resolve extracts an optional edit from a model reply against content.
// It never fails: problems with the proposed edit are reported through
// Note and Outcome and the edit is dropped.
func Resolve(content, reply string) Resolution {
	var blocks []llm.Fence
	for _, f := range llm.Fences(reply) {
		if f.Lang == "json" {
			blocks = append(blocks, f)
		}
	}

	switch len(blocks) {
	case 0:
		return Resolution{Message: strings.TrimSpace(reply), Outcome: OutcomeMessageOnly}
	case 1:
	default:
		note := fmt.Sprintf("The reply proposed %d edits at once; none were applied. Ask for one change at a time.", len(blocks))
		return Resolution{
			Message: annotate(stripBlocks(reply, blocks), note),
			Note:    note,
			Outcome: OutcomeAmbiguous,
		}
	}

	message := stripBlocks(reply, blocks)

	var proposed struct {
		StartLine *int    `json:"start_line"`
		EndLine   *int    `json:"end_line"`
		NewText   *string `json:"new_text"`
	}
	if err := json.Unmarshal([]byte(blocks[0].Body), &proposed); err != nil ||
		proposed.StartLine == nil || proposed.EndLine == nil || proposed.NewText == nil {
		return Resolution{Message: message, Outcome: OutcomeUnparseable}
	}

	pending := PendingEdit{
		StartLine: *proposed.StartLine,
		EndLine:   *proposed.EndLine,
		NewText:   *proposed.NewText,
		LineCount: LineCount(content),
	}
	if err := pending.Validate(pending.LineCount); err != nil {
		note := fmt.Sprintf("The suggested edit was not applied: %v.", err)
		return Resolution{
			Message: annotate(message, note),
			Note:    note,
			Outcome: OutcomeInvalidRange,
		}
	}

	return Resolution{Message: message, Edit: &pending, Outcome: OutcomeEdit}
}

// Validate checks the edit bounds against a document of lineCount lines.
func (e PendingEdit) Validate(lineCount int) error {
	switch {
	case e.StartLine < 1:
		return fmt.Errorf("%w: start line %d is before line 1", ErrInvalidRange, e.StartLine)
	case e.EndLine > lineCount:
		return fmt.Errorf("%w: end line %d is past the last line (%d)", ErrInvalidRange, e.EndLine, lineCount)
	case e.StartLine > e.EndLine:
		return fmt.Errorf("%w: start line %d is after end line %d", ErrInvalidRange, e.StartLine, e.EndLine)
	}
	return nil
}

// Apply replaces the edit's line range in content. The edit is re-validated
// against content first; a LineCount that no longer matches is stale.
// An empty NewText deletes the range.
func Apply(content string, e PendingEdit) (string, error) {
	lines := Lines(content)
	if e.LineCount > 0 && e.LineCount != len(lines) {
		return "", fmt.Errorf("%w: resolved against %d lines, document has %d", ErrStaleEdit, e.LineCount, len(lines))
	}
	if err := e.Validate(len(lines)); err != nil {
		return "", err
	}

	var replacement []string
	if e.NewText != "" {
		replacement = Lines(strings.TrimSuffix(e.NewText, "\n"))
	}

	out := make([]string, 0, len(lines)-(e.EndLine-e.StartLine+1)+len(replacement))
	out = append(out, lines[:e.StartLine-1]...)
	out = append(out, replacement...)
	out = append(out, lines[e.EndLine:]...)
	return strings.Join(out, "\n"), nil
}

func stripBlocks(reply string, blocks []llm.Fence) string {
	var b strings.Builder
	prev := 0
	for _, f := range blocks {
		b.WriteString(reply[prev:f.Start])
		prev = f.End
	}
	b.WriteString(reply[prev:])
	return strings.TrimSpace(b.String())
}

func annotate(message, note string) string {
	if message == "" {
		return note
	}
	return message + "\n\n" + note
}
