package publish

import "github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"

type Status int

const (
	StatusFailed Status = iota
	StatusUploaded
	StatusUnchanged
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusUploaded:
		return "uploaded"
	case StatusUnchanged:
		return "unchanged"
	case StatusDeleted:
		return "deleted"
	default:
		return "failed"
	}
}

// PathOutcome is the result for one change set entry.
type PathOutcome struct {
	Path   string
	Key    string
	Kind   changes.Kind
	Status Status
	Bytes  int
	Err    error
}

// Outcome holds one PathOutcome per entry, in change set order.
type Outcome struct {
	Paths []PathOutcome
}

func (o Outcome) Counts() (uploaded, unchanged, deleted, failed int) {
	for _, p := range o.Paths {
		switch p.Status {
		case StatusUploaded:
			uploaded++
		case StatusUnchanged:
			unchanged++
		case StatusDeleted:
			deleted++
		default:
			failed++
		}
	}
	return uploaded, unchanged, deleted, failed
}

// Succeeded returns the paths that now match the after commit, including
// unchanged writes. These are the paths to invalidate.
func (o Outcome) Succeeded() []string {
	var out []string
	for _, p := range o.Paths {
		if p.Status != StatusFailed {
			out = append(out, p.Path)
		}
	}
	return out
}

// SucceededKeys is Succeeded as object keys, with the key prefix applied.
func (o Outcome) SucceededKeys() []string {
	var out []string
	for _, p := range o.Paths {
		if p.Status != StatusFailed {
			out = append(out, p.Key)
		}
	}
	return out
}

func (o Outcome) Failures() []changes.PathError {
	var out []changes.PathError
	for _, p := range o.Paths {
		if p.Status == StatusFailed {
			out = append(out, changes.PathError{Path: p.Path, Cause: p.Err})
		}
	}
	return out
}
