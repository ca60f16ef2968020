package scope

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors for store operations.
var (
	ErrNotFound         = errors.New("scope document not found")
	ErrExists           = errors.New("scope document already exists")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrCorrupt          = errors.New("scope document is corrupt")
	ErrIDRequired       = errors.New("id is required")
	ErrInvalidID        = errors.New("invalid id: must be lowercase alphanumeric with hyphens, no path separators")
	ErrNameRequired     = errors.New("project name is required")
)

// PersistenceError reports a failed read or write of a document file.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s scope %q: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// idTimeLayout is the timestamp suffix of a generated id.
const idTimeLayout = "20060102-150405"

// maxSlugLen bounds the name part of an id.
const maxSlugLen = 50

var (
	idPattern       = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,99}$`)
	nonSlugChars    = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedHyphens = regexp.MustCompile(`-+`)
)

// Slugify converts a project name into a lowercase, hyphenated slug.
// Names with no usable characters become "scope".
func Slugify(name string) string {
	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")
	slug = nonSlugChars.ReplaceAllString(slug, "")
	slug = repeatedHyphens.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")

	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "scope"
	}
	return slug
}

// NewID builds a document id from a project name and creation time.
func NewID(projectName string, created time.Time) string {
	return Slugify(projectName) + "-" + created.UTC().Format(idTimeLayout)
}

// ValidateID checks that an id is safe to use as a file name.
func ValidateID(id string) error {
	if id == "" {
		return ErrIDRequired
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return ErrInvalidID
	}
	if !idPattern.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}
