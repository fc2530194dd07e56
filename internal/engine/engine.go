// Package engine is the sync orchestrator. It turns a trigger into a commit
// range, drives the diff reader, publisher and invalidator in order, and
// reports any failure through the notifier before returning it.
//
// A sync moves through Start, Diffing, Publishing, Invalidating and Done.
// Error is absorbing and reachable from every step. Per-path publish errors
// and invalidation quota exhaustion do not stop the pipeline; both are folded
// into a single notification.
package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/invalidate"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/notify"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/publish"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncerr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/trigger"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

const tracerName = "linnemanlabs/sitesync/engine"

// Reader is the diff reader as seen by the engine. It is also the content
// source handed to the publisher.
type Reader interface {
	Diff(ctx context.Context, rng changes.RevisionRange) (*changes.Set, error)
	ParentOf(ctx context.Context, id string) (string, error)
	Open(ctx context.Context, ref changes.BlobRef) ([]byte, error)
}

type Publisher interface {
	Publish(ctx context.Context, set *changes.Set, src publish.ContentSource) publish.Outcome
}

type Invalidator interface {
	Invalidate(ctx context.Context, rng changes.RevisionRange, keys []string) (invalidate.Submission, error)
}

// Metrics records sync outcomes and per-stage latency.
type Metrics interface {
	SyncFinished(result string)
	StageDuration(stage string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) SyncFinished(string)                {}
func (nopMetrics) StageDuration(string, time.Duration) {}

// Sync result labels.
const (
	ResultOK      = "ok"
	ResultNoop    = "noop"
	ResultPartial = "partial"
	ResultError   = "error"
)

// Config is the fixed wiring of one engine.
type Config struct {
	// Branch is the only branch synced, bare name or refs/heads/ form.
	Branch string
	// Repository filters trigger records. Empty accepts any repository.
	Repository string
	// Timeout is the execution budget of one trigger. Zero means no budget
	// beyond the caller's deadline.
	Timeout time.Duration
}

type Options struct {
	Config      Config
	Reader      Reader
	Publisher   Publisher
	Invalidator Invalidator
	Notifier    notify.Notifier
	Logger      log.Logger
	Metrics     Metrics
	Now         func() time.Time
}

type Engine struct {
	cfg      Config
	reader   Reader
	pub      Publisher
	inv      Invalidator
	notifier notify.Notifier
	logger   log.Logger
	metrics  Metrics
	now      func() time.Time
	tracer   trace.Tracer

	// observe is called on every state transition
	observe func(rng changes.RevisionRange, s State)
}

func New(opts Options) (*Engine, error) {
	if opts.Reader == nil {
		return nil, xerrors.New("engine: reader is required")
	}
	if opts.Publisher == nil {
		return nil, xerrors.New("engine: publisher is required")
	}
	if opts.Config.Branch == "" {
		return nil, xerrors.New("engine: branch is required")
	}
	if opts.Config.Timeout < 0 {
		return nil, xerrors.Newf("engine: negative timeout %s", opts.Config.Timeout)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Invalidator == nil {
		opts.Invalidator = invalidate.New(invalidate.Options{Logger: opts.Logger})
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		cfg:      opts.Config,
		reader:   opts.Reader,
		pub:      opts.Publisher,
		inv:      opts.Invalidator,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// origin identifies where a sync came from, for notifications.
type origin struct {
	repository   string
	invocationID string
}

// Sync runs one revision range through the pipeline. The result is non-nil
// whenever publishing ran, including when an error is returned.
func (e *Engine) Sync(ctx context.Context, rng changes.RevisionRange) (*changes.Result, error) {
	ctx, cancel := e.budget(ctx)
	defer cancel()
	return e.sync(ctx, rng, origin{repository: e.cfg.Repository})
}

// HandleTrigger syncs every record of ev that targets the configured branch
// and repository, in order. Records that fail do not stop later ones; their
// errors are joined.
func (e *Engine) HandleTrigger(ctx context.Context, ev trigger.Event) ([]*changes.Result, error) {
	ctx, cancel := e.budget(ctx)
	defer cancel()
	if ev.ID != "" {
		ctx = log.WithFields(ctx, "event_id", ev.ID)
	}

	var (
		results []*changes.Result
		errs    []error
	)
	for _, rec := range ev.Records {
		if !rec.Matches(e.cfg.Branch, e.cfg.Repository) {
			e.logger.Debug(ctx, "ignoring trigger record",
				"ref", rec.Ref,
				"repository", rec.Repository,
				"branch", e.cfg.Branch,
			)
			continue
		}
		o := origin{repository: rec.Repository, invocationID: ev.ID}
		if o.repository == "" {
			o.repository = e.cfg.Repository
		}

		rng, err := e.resolve(ctx, rec, o)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res, err := e.sync(ctx, rng, o)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, xerrors.Join(errs...)
}

func (e *Engine) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	// WithTimeout keeps the earlier of the two deadlines
	return context.WithTimeout(ctx, e.cfg.Timeout)
}

// resolve fills in the before commit for senders that only report after.
func (e *Engine) resolve(ctx context.Context, rec trigger.Record, o origin) (changes.RevisionRange, error) {
	rng := rec.Range()
	if !rec.InferBefore {
		return rng, nil
	}
	parent, err := e.reader.ParentOf(ctx, rng.After)
	if err != nil {
		err = xerrors.Wrapf(err, "resolve parent of %s", rng.After)
		e.logger.Error(ctx, err, "sync failed", "stage", string(notify.StageResolve), "range", rng.String())
		e.metrics.SyncFinished(ResultError)
		e.notify(ctx, rng, o, notify.StageResolve, err, nil)
		return rng, err
	}
	rng.Before = parent
	return rng, nil
}

func (e *Engine) sync(ctx context.Context, rng changes.RevisionRange, o origin) (*changes.Result, error) {
	ctx, span := e.tracer.Start(ctx, "sync", trace.WithAttributes(
		attribute.String("sync.before", rng.Before),
		attribute.String("sync.after", rng.After),
		attribute.String("sync.ref", rng.Ref),
	))
	defer span.End()

	logger := e.logger.With("range", rng.String(), "ref", rng.Ref)
	ctx = log.WithContext(ctx, logger)
	r := &run{e: e, rng: rng, origin: o, logger: logger, span: span, start: e.now()}
	r.enter(ctx, StateStart)

	if rng.After == "" {
		return nil, r.fail(ctx, notify.StageResolve, &syncerr.NotFoundError{Ref: rng.Ref, Err: xerrors.New("trigger has no after commit")})
	}

	// Diffing
	r.enter(ctx, StateDiffing)
	set, err := r.diff(ctx)
	if err != nil {
		return nil, r.fail(ctx, notify.StageDiff, err)
	}

	// Publishing
	r.enter(ctx, StatePublishing)
	outcome := r.publish(ctx, set)
	uploaded, unchanged, deleted, _ := outcome.Counts()
	// rejected paths never reached the store but fail the sync the same way
	failures := append(set.Rejected(), outcome.Failures()...)

	// Invalidating, with only the keys the store now agrees on
	r.enter(ctx, StateInvalidating)
	sub, invErr := r.invalidate(ctx, outcome.SucceededKeys())

	res := changes.NewResult(changes.ResultParams{
		Range:            rng,
		PublishedCount:   uploaded + unchanged,
		UnchangedCount:   unchanged,
		DeletedCount:     deleted,
		InvalidatedPaths: sub.Paths,
		BatchIDs:         sub.BatchIDs,
		Errors:           failures,
	})

	var quota *syncerr.QuotaExceededError
	if invErr != nil && !errors.As(invErr, &quota) {
		return res, r.fail(ctx, notify.StageInvalidate, invErr)
	}

	var syncErr error
	if len(failures) > 0 {
		syncErr = &syncerr.PartialPublishError{Failures: failures}
	}

	// one notification covers both degradations
	switch {
	case syncErr != nil && quota != nil:
		r.report(ctx, notify.StagePublish, xerrors.Join(syncErr, quota), failures)
	case syncErr != nil:
		r.report(ctx, notify.StagePublish, syncErr, failures)
	case quota != nil:
		r.report(ctx, notify.StageInvalidate, quota, nil)
	}

	r.enter(ctx, StateDone)
	result := ResultOK
	switch {
	case syncErr != nil:
		result = ResultPartial
		span.SetStatus(codes.Error, "partial publish")
	case set.Len() == 0:
		result = ResultNoop
	}
	e.metrics.SyncFinished(result)
	span.SetAttributes(
		attribute.Int("sync.published", res.PublishedCount()),
		attribute.Int("sync.deleted", res.DeletedCount()),
		attribute.Int("sync.failed", len(failures)),
		attribute.Int("sync.invalidated", len(sub.Paths)),
	)
	logger.Info(ctx, "sync complete",
		"result", result,
		"changes", set.Len(),
		"uploaded", uploaded,
		"unchanged", unchanged,
		"deleted", deleted,
		"failed", len(failures),
		"invalidated_paths", len(sub.Paths),
		"invalidation_batches", len(sub.BatchIDs),
		"quota_exceeded", quota != nil,
		"duration_ms", e.now().Sub(r.start).Milliseconds(),
	)
	return res, syncErr
}

func (e *Engine) notify(ctx context.Context, rng changes.RevisionRange, o origin, stage notify.Stage, cause error, pathErrs []changes.PathError) {
	e.notifier.Notify(ctx, notify.Failure{
		Range:        rng,
		Repository:   o.repository,
		Branch:       e.cfg.Branch,
		Stage:        stage,
		Cause:        cause,
		PathErrors:   pathErrs,
		InvocationID: o.invocationID,
		Time:         e.now(),
	})
}
