// Package changes holds the per-invocation data model shared by the diff
// reader, publisher, invalidator and orchestrator.
package changes

import (
	"fmt"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// Kind is the change type of a single path between two revisions.
type Kind int

const (
	Added Kind = iota + 1
	Modified
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// BlobRef is a handle to the content of a path at a given commit. BlobID is
// the upstream object id when the source exposes one, empty otherwise.
type BlobRef struct {
	CommitID string
	Path     string
	BlobID   string
}

// Entry is one path-level change. Blob is set iff Kind != Deleted.
type Entry struct {
	Path string
	Kind Kind
	Blob *BlobRef
}

// Validate checks the entry invariants.
func (e Entry) Validate() error {
	if e.Path == "" {
		return xerrors.New("change entry has empty path")
	}
	if !pathutil.IsRepoPath(e.Path) {
		return xerrors.Newf("change entry path %q is not a clean repository-relative path", e.Path)
	}
	switch e.Kind {
	case Added, Modified:
		if e.Blob == nil {
			return xerrors.Newf("change entry %q (%s) has no content handle", e.Path, e.Kind)
		}
	case Deleted:
		if e.Blob != nil {
			return xerrors.Newf("deleted entry %q carries a content handle", e.Path)
		}
	default:
		return xerrors.Newf("change entry %q has unknown kind %d", e.Path, int(e.Kind))
	}
	return nil
}

// Set is an ordered ChangeSet with at most one entry per path.
// The zero value is ready to use.
type Set struct {
	entries  []Entry
	index    map[string]int
	rejected []PathError
}

// NewSet builds a Set from entries in order, last write per path wins.
func NewSet(entries ...Entry) (*Set, error) {
	s := &Set{}
	for _, e := range entries {
		if err := s.Add(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends e. An existing entry for the same path is dropped and e takes
// its place at the end of the order.
func (s *Set) Add(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if i, ok := s.index[e.Path]; ok {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		for j := i; j < len(s.entries); j++ {
			s.index[s.entries[j].Path] = j
		}
	}
	s.index[e.Path] = len(s.entries)
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of the entries in order.
func (s *Set) Entries() []Entry {
	if s == nil {
		return nil
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Get returns the entry for path.
func (s *Set) Get(path string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	i, ok := s.index[path]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Counts returns the number of writes (added+modified) and deletes.
func (s *Set) Counts() (writes, deletes int) {
	if s == nil {
		return 0, 0
	}
	for _, e := range s.entries {
		if e.Kind == Deleted {
			deletes++
		} else {
			writes++
		}
	}
	return writes, deletes
}

// Reject records a changed path that cannot be synced. Rejected paths are
// reported with the sync result instead of being dropped.
func (s *Set) Reject(path string, cause error) {
	s.rejected = append(s.rejected, PathError{Path: path, Cause: cause})
}

// Rejected returns a copy of the rejected paths in order.
func (s *Set) Rejected() []PathError {
	if s == nil || len(s.rejected) == 0 {
		return nil
	}
	out := make([]PathError, len(s.rejected))
	copy(out, s.rejected)
	return out
}
