// Package notify reports failed syncs to operators. Delivery is best effort:
// a notifier logs its own failures and never returns them, so a broken
// notification channel cannot mask the sync error it was reporting.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
)

// MaxPathErrors caps the per-path errors carried in one message.
const MaxPathErrors = 25

// Stage names the sync step that failed.
type Stage string

const (
	StageResolve    Stage = "resolve"
	StageDiff       Stage = "diff"
	StagePublish    Stage = "publish"
	StageInvalidate Stage = "invalidate"
	// StageTrigger is an invocation whose event could not be read; no
	// range is known.
	StageTrigger Stage = "trigger"
)

// Failure describes one failed or degraded sync.
type Failure struct {
	Range        changes.RevisionRange
	Repository   string
	Branch       string
	Stage        Stage
	Cause        error
	PathErrors   []changes.PathError
	InvocationID string
	Time         time.Time
}

type Notifier interface {
	Notify(ctx context.Context, f Failure)
}

// Metrics records notification delivery results.
type Metrics interface {
	Notification(delivered bool)
}

type nopMetrics struct{}

func (nopMetrics) Notification(bool) {}

type pathError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type message struct {
	Repository    string      `json:"repository,omitempty"`
	Branch        string      `json:"branch,omitempty"`
	Before        string      `json:"before,omitempty"`
	After         string      `json:"after"`
	Stage         Stage       `json:"stage"`
	Error         string      `json:"error,omitempty"`
	PathErrors    []pathError `json:"path_errors,omitempty"`
	OmittedErrors int         `json:"omitted_path_errors,omitempty"`
	InvocationID  string      `json:"invocation_id,omitempty"`
	Time          time.Time   `json:"time"`
}

// Message renders f as the JSON notification body.
func Message(f Failure) ([]byte, error) {
	m := message{
		Repository:   f.Repository,
		Branch:       f.Branch,
		Before:       f.Range.Before,
		After:        f.Range.After,
		Stage:        f.Stage,
		InvocationID: f.InvocationID,
		Time:         f.Time.UTC(),
	}
	if f.Cause != nil {
		m.Error = f.Cause.Error()
	}
	for i, pe := range f.PathErrors {
		if i == MaxPathErrors {
			m.OmittedErrors = len(f.PathErrors) - MaxPathErrors
			break
		}
		e := pathError{Path: pe.Path}
		if pe.Cause != nil {
			e.Error = pe.Cause.Error()
		}
		m.PathErrors = append(m.PathErrors, e)
	}
	return json.MarshalIndent(m, "", "  ")
}

const maxSubject = 100

// Subject is a single line of printable ASCII, at most 100 characters.
func Subject(f Failure) string {
	repo := f.Repository
	if repo == "" {
		repo = "site"
	}
	s := fmt.Sprintf("sitesync %s failed: %s", f.Stage, repo)
	if f.Range.After != "" {
		s += " " + f.Range.String()
	}
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			r = '?'
		}
		b.WriteRune(r)
	}
	s = b.String()
	if len(s) > maxSubject {
		s = s[:maxSubject]
	}
	return s
}

// LogNotifier only logs. Used when no topic is configured.
type LogNotifier struct {
	logger log.Logger
}

func NewLogNotifier(logger log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, f Failure) {
	n.logger.Error(ctx, f.Cause, "sync failure",
		"stage", string(f.Stage),
		"repository", f.Repository,
		"branch", f.Branch,
		"range", f.Range.String(),
		"path_errors", len(f.PathErrors),
		"invocation_id", f.InvocationID,
	)
}
