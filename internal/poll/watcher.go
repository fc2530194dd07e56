// Package poll watches the synced branch for new commits and runs a sync
// when its head moves. It backs server deployments that cannot receive
// webhooks, and catches pushes whose delivery was lost.
//
// The first successful poll only records the current head. A failed sync
// leaves the recorded head unchanged so the next poll retries the same
// range, with exponential backoff between attempts.
package poll

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncstate"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/trigger"
)

const (
	// DefaultInterval is how often the branch head is checked.
	DefaultInterval = time.Minute

	// maxBackoff caps exponential backoff on consecutive errors.
	maxBackoff = 15 * time.Minute
)

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollNoChange  pollResult = iota // head matches the last synced commit
	pollSeeded                      // first head recorded, nothing synced
	pollSynced                      // head moved and the range was synced
	pollBusy                        // head moved but another sync was running
	pollHeadError                   // head lookup failed
	pollSyncError                   // sync of the new range failed
)

// HeadSource reports the current head commit of a branch.
type HeadSource interface {
	BranchHead(ctx context.Context, branch string) (string, error)
}

// Runner runs one trigger, refusing with syncstate.ErrBusy while another
// sync holds the slot.
type Runner interface {
	Run(ctx context.Context, origin string, ev trigger.Event) ([]*changes.Result, error)
}

// Metrics is implemented by the metrics package to observe polling.
type Metrics interface {
	IncPolls()
	IncPollError(kind string)
	SetPollLastSuccess(unixSeconds float64)
}

type nopMetrics struct{}

func (nopMetrics) IncPolls()                  {}
func (nopMetrics) IncPollError(string)        {}
func (nopMetrics) SetPollLastSuccess(float64) {}

type Options struct {
	Logger   log.Logger
	Heads    HeadSource
	Runner   Runner
	Metrics  Metrics
	Branch   string
	Interval time.Duration

	// StaleThreshold is how long since the last successful head lookup
	// before the watcher logs a staleness error. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Watcher polls one branch.
type Watcher struct {
	heads    HeadSource
	runner   Runner
	logger   log.Logger
	metrics  Metrics
	branch   string
	interval time.Duration
	now      func() time.Time

	// last commit synced, or seeded on the first poll
	current string

	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  atomic.Int64 // unix nanos, read by the readiness probe
	staleLogged    bool

	pollCount int64
	syncCount int64
}

// NewWatcher creates a branch watcher. Call Run to start the poll loop.
func NewWatcher(opts *Options) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}
	w := &Watcher{
		heads:          opts.Heads,
		runner:         opts.Runner,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		branch:         strings.TrimPrefix(opts.Branch, "refs/heads/"),
		interval:       interval,
		now:            time.Now,
		staleThreshold: staleThreshold,
	}
	w.lastSuccessAt.Store(time.Now().UnixNano())
	return w
}

// LastSuccess is the time of the last successful head lookup, or of
// construction before the first poll.
func (w *Watcher) LastSuccess() time.Time {
	return time.Unix(0, w.lastSuccessAt.Load())
}

// Probe fails once head lookups have failed for longer than the stale
// threshold.
func (w *Watcher) Probe() health.CheckFunc {
	return health.Fresh("branch poll", w.LastSuccess, w.staleThreshold)
}

// Run polls until ctx is cancelled. The first poll happens immediately.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "branch watcher starting",
		"branch", w.branch,
		"poll_interval", w.interval.String(),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "branch watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"syncs", w.syncCount,
			)
			return ctx.Err()
		case <-timer.C:
			timer.Reset(w.next(ctx, w.checkOnce(ctx)))
		}
	}
}

// next updates the error streak and staleness state after a poll and
// returns the delay before the following one.
func (w *Watcher) next(ctx context.Context, result pollResult) time.Duration {
	failed := result == pollHeadError || result == pollSyncError
	if failed {
		w.consecutiveErrs++
		backoff := w.backoffDuration()
		w.logger.Warn(ctx, "branch watcher: backing off",
			"consecutive_errors", w.consecutiveErrs,
			"next_poll_in", backoff.String(),
		)
	} else if w.consecutiveErrs > 0 {
		w.logger.Info(ctx, "branch watcher: recovered, resuming normal interval",
			"had_consecutive_errors", w.consecutiveErrs,
		)
		w.consecutiveErrs = 0
	}

	if result != pollHeadError {
		if w.staleLogged {
			w.logger.Info(ctx, "branch watcher: staleness recovered")
			w.staleLogged = false
		}
	} else if since := w.now().Sub(w.LastSuccess()); since > w.staleThreshold && !w.staleLogged {
		w.logger.Error(ctx, xerrors.Newf("last successful head lookup was %s ago", since.Truncate(time.Second)),
			"branch watcher: unable to see new commits",
			"branch", w.branch,
		)
		w.staleLogged = true
	}

	if failed {
		return w.backoffDuration()
	}
	return w.interval
}

// checkOnce performs a single lookup-compare-sync cycle.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	w.metrics.IncPolls()

	head, err := w.heads.BranchHead(ctx, w.branch)
	if err != nil {
		w.logger.Error(ctx, err, "branch watcher: head lookup failed", "branch", w.branch)
		w.metrics.IncPollError("head")
		return pollHeadError
	}
	now := w.now()
	w.lastSuccessAt.Store(now.UnixNano())
	w.metrics.SetPollLastSuccess(float64(now.Unix()))

	if w.current == "" {
		w.current = head
		w.logger.Info(ctx, "branch watcher: recorded initial head",
			"branch", w.branch,
			"head", truncID(head),
		)
		return pollSeeded
	}
	if head == w.current {
		return pollNoChange
	}

	w.logger.Info(ctx, "branch watcher: new head detected",
		"branch", w.branch,
		"old_head", truncID(w.current),
		"new_head", truncID(head),
	)
	ev := trigger.Event{
		ID: "poll-" + truncID(head),
		Records: []trigger.Record{{
			Ref:    "refs/heads/" + w.branch,
			Before: w.current,
			After:  head,
		}},
	}
	_, err = w.runner.Run(ctx, syncstate.OriginPoll, ev)
	switch {
	case errors.Is(err, syncstate.ErrBusy):
		// a webhook sync is running; compare again next poll
		w.logger.Debug(ctx, "branch watcher: sync busy, deferring", "head", truncID(head))
		return pollBusy
	case err != nil:
		// the engine already notified; the range is retried after backoff
		w.metrics.IncPollError("sync")
		return pollSyncError
	}

	w.current = head
	w.syncCount++
	return pollSynced
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// truncID returns the first 12 characters of a commit id for logging.
func truncID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
