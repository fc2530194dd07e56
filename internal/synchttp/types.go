package synchttp

import (
	"time"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncstate"
)

// SyncResponse is the body of every completed sync request.
type SyncResponse struct {
	Status  string       `json:"status"`
	EventID string       `json:"event_id,omitempty"`
	Results []ResultView `json:"results"`
	Error   string       `json:"error,omitempty"`
}

// ResultView is the wire form of one sync result.
type ResultView struct {
	Before      string          `json:"before,omitempty"`
	After       string          `json:"after"`
	Ref         string          `json:"ref,omitempty"`
	Published   int             `json:"published"`
	Unchanged   int             `json:"unchanged"`
	Deleted     int             `json:"deleted"`
	Invalidated []string        `json:"invalidated"`
	BatchIDs    []string        `json:"batch_ids,omitempty"`
	Errors      []PathErrorView `json:"errors,omitempty"`
}

type PathErrorView struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// ViewResults converts engine results to their wire form.
func ViewResults(results []*changes.Result) []ResultView {
	out := make([]ResultView, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		rng := r.Range()
		v := ResultView{
			Before:      rng.Before,
			After:       rng.After,
			Ref:         rng.Ref,
			Published:   r.PublishedCount(),
			Unchanged:   r.UnchangedCount(),
			Deleted:     r.DeletedCount(),
			Invalidated: r.InvalidatedPaths(),
			BatchIDs:    r.BatchIDs(),
		}
		for _, pe := range r.Errors() {
			msg := ""
			if pe.Cause != nil {
				msg = pe.Cause.Error()
			}
			v.Errors = append(v.Errors, PathErrorView{Path: pe.Path, Error: msg})
		}
		out = append(out, v)
	}
	return out
}

// StatusResponse is the body of PathStatus.
type StatusResponse struct {
	ServerTime  time.Time     `json:"server_time"`
	Running     *SnapshotView `json:"running,omitempty"`
	Last        *SnapshotView `json:"last,omitempty"`
	LastSuccess *SnapshotView `json:"last_success,omitempty"`
}

// SnapshotView is the wire form of one recorded sync.
type SnapshotView struct {
	Origin     string       `json:"origin"`
	EventID    string       `json:"event_id,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Results    []ResultView `json:"results,omitempty"`
	Error      string       `json:"error,omitempty"`
}

func viewSnapshot(s *syncstate.Snapshot) *SnapshotView {
	v := &SnapshotView{
		Origin:    s.Origin,
		EventID:   s.EventID,
		StartedAt: s.StartedAt.Truncate(time.Second),
		Results:   ViewResults(s.Results),
	}
	if !s.FinishedAt.IsZero() {
		t := s.FinishedAt.Truncate(time.Second)
		v.FinishedAt = &t
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}
