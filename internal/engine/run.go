package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/invalidate"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/notify"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/prof"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/publish"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// State is a step of the sync state machine.
type State int

const (
	StateStart State = iota
	StateDiffing
	StatePublishing
	StateInvalidating
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateDiffing:
		return "diffing"
	case StatePublishing:
		return "publishing"
	case StateInvalidating:
		return "invalidating"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateDone || s == StateError }

// run is the per-sync bookkeeping. It never outlives one Sync call.
type run struct {
	e      *Engine
	rng    changes.RevisionRange
	origin origin
	logger log.Logger
	span   trace.Span
	start  time.Time
	state  State

	// notified guards the one-notification-per-sync rule
	notified bool
}

func (r *run) enter(ctx context.Context, s State) {
	if r.state.Terminal() {
		// absorbing
		return
	}
	r.state = s
	r.span.AddEvent("state", trace.WithAttributes(attribute.String("sync.state", s.String())))
	r.logger.Debug(ctx, "sync state", "state", s.String())
	if r.e.observe != nil {
		r.e.observe(r.rng, s)
	}
}

// fail moves the sync to Error, notifies and returns the wrapped error.
func (r *run) fail(ctx context.Context, stage notify.Stage, err error) error {
	err = xerrors.Wrapf(err, "sync %s: %s", r.rng.String(), stage)
	r.enter(ctx, StateError)
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, string(stage))
	r.e.metrics.SyncFinished(ResultError)
	r.logger.Error(ctx, err, "sync failed",
		"stage", string(stage),
		"duration_ms", r.e.now().Sub(r.start).Milliseconds(),
	)
	r.report(ctx, stage, err, nil)
	return err
}

func (r *run) report(ctx context.Context, stage notify.Stage, cause error, pathErrs []changes.PathError) {
	if r.notified {
		return
	}
	r.notified = true
	r.e.notify(ctx, r.rng, r.origin, stage, cause, pathErrs)
}

// stage runs fn inside a child span, under a profile label, and records
// its duration.
func (r *run) stage(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx, span := r.e.tracer.Start(ctx, "sync."+name)
	start := r.e.now()
	var err error
	prof.Stage(ctx, name, func(ctx context.Context) { err = fn(ctx) })
	r.e.metrics.StageDuration(name, r.e.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name)
	}
	span.End()
}

func (r *run) diff(ctx context.Context) (*changes.Set, error) {
	var (
		set *changes.Set
		err error
	)
	r.stage(ctx, "diff", func(ctx context.Context) error {
		set, err = r.e.reader.Diff(ctx, r.rng)
		if err == nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("sync.changes", set.Len()))
		}
		return err
	})
	return set, err
}

func (r *run) publish(ctx context.Context, set *changes.Set) publish.Outcome {
	var out publish.Outcome
	r.stage(ctx, "publish", func(ctx context.Context) error {
		out = r.e.pub.Publish(ctx, set, r.e.reader)
		if f := out.Failures(); len(f) > 0 {
			return xerrors.Newf("%d path(s) failed", len(f))
		}
		return nil
	})
	return out
}

func (r *run) invalidate(ctx context.Context, keys []string) (invalidate.Submission, error) {
	var (
		sub invalidate.Submission
		err error
	)
	r.stage(ctx, "invalidate", func(ctx context.Context) error {
		sub, err = r.e.inv.Invalidate(ctx, r.rng, keys)
		return err
	})
	return sub, err
}
