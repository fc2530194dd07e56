// Package syncstate serializes syncs within one process and keeps the
// outcome of the most recent ones for status reporting.
package syncstate

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/trigger"
)

// ErrBusy is returned by Run when another sync holds the slot.
var ErrBusy = errors.New("sync already running")

// Trigger origins.
const (
	OriginWebhook = "webhook"
	OriginManual  = "manual"
	OriginPoll    = "poll"
)

// Syncer runs a trigger through the pipeline.
type Syncer interface {
	HandleTrigger(ctx context.Context, ev trigger.Event) ([]*changes.Result, error)
}

// Metrics counts triggers turned away while a sync was running.
type Metrics interface {
	IncSyncRejected()
}

type nopMetrics struct{}

func (nopMetrics) IncSyncRejected() {}

// Snapshot is the outcome of one completed Run.
type Snapshot struct {
	Origin     string
	EventID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []*changes.Result
	Err        error
}

// Succeeded reports whether the sync returned no error.
func (s *Snapshot) Succeeded() bool { return s != nil && s.Err == nil }

// Runner lets one sync run at a time and records every outcome.
type Runner struct {
	syncer  Syncer
	metrics Metrics
	now     func() time.Time

	// one slot; holding it means a sync is running
	gate chan struct{}

	last        atomic.Pointer[Snapshot]
	lastSuccess atomic.Pointer[Snapshot]
	running     atomic.Pointer[Snapshot]
}

func New(syncer Syncer, metrics Metrics) *Runner {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Runner{
		syncer:  syncer,
		metrics: metrics,
		now:     time.Now,
		gate:    make(chan struct{}, 1),
	}
}

// Run syncs ev unless another sync is in progress, in which case it returns
// ErrBusy without calling the syncer.
func (r *Runner) Run(ctx context.Context, origin string, ev trigger.Event) ([]*changes.Result, error) {
	select {
	case r.gate <- struct{}{}:
	default:
		r.metrics.IncSyncRejected()
		return nil, ErrBusy
	}
	defer func() { <-r.gate }()

	snap := &Snapshot{Origin: origin, EventID: ev.ID, StartedAt: r.now().UTC()}
	r.running.Store(snap)
	defer r.running.Store(nil)

	results, err := r.syncer.HandleTrigger(ctx, ev)

	done := *snap
	done.FinishedAt = r.now().UTC()
	done.Results = append([]*changes.Result(nil), results...)
	done.Err = err
	r.last.Store(&done)
	if err == nil {
		r.lastSuccess.Store(&done)
	}
	return results, err
}

// Last returns the most recent completed sync.
func (r *Runner) Last() (*Snapshot, bool) {
	s := r.last.Load()
	return s, s != nil
}

// LastSuccess returns the most recent sync that returned no error.
func (r *Runner) LastSuccess() (*Snapshot, bool) {
	s := r.lastSuccess.Load()
	return s, s != nil
}

// Running returns the sync in progress, if any. Only Origin, EventID and
// StartedAt are set.
func (r *Runner) Running() (*Snapshot, bool) {
	s := r.running.Load()
	return s, s != nil
}
