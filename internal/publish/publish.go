// Package publish applies a change set to the destination object store.
//
// Each entry is processed independently on a bounded worker pool: writes
// upload the content at the after commit, deletes remove the key. A failure
// on one path is recorded and never stops the others. Writes are idempotent:
// an object whose stored sha256 metadata and content type already match is
// left alone and reported as unchanged.
package publish

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/objstore"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/retry"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

const DefaultWorkers = 8

// ContentSource returns file content for a write entry.
type ContentSource interface {
	Open(ctx context.Context, ref changes.BlobRef) ([]byte, error)
}

// Metrics receives per-object outcomes.
type Metrics interface {
	ObjectPublished(bytes int)
	ObjectUnchanged()
	ObjectDeleted()
	PublishError()
}

type nopMetrics struct{}

func (nopMetrics) ObjectPublished(int) {}
func (nopMetrics) ObjectUnchanged()    {}
func (nopMetrics) ObjectDeleted()      {}
func (nopMetrics) PublishError()       {}

type Options struct {
	Store   objstore.Store
	Logger  log.Logger
	Metrics Metrics
	Retry   retry.Policy
	Limiter *ratelimit.Limiter

	// Workers bounds concurrent store operations.
	Workers int

	// KeyPrefix is prepended to every object key.
	KeyPrefix string
}

type Publisher struct {
	store   objstore.Store
	logger  log.Logger
	metrics Metrics
	retry   retry.Policy
	limiter *ratelimit.Limiter
	workers int
	prefix  string
}

func New(opts Options) (*Publisher, error) {
	if opts.Store == nil {
		return nil, xerrors.New("publish: object store is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Publisher{
		store:   opts.Store,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		retry:   opts.Retry,
		limiter: opts.Limiter,
		workers: opts.Workers,
		prefix:  opts.KeyPrefix,
	}, nil
}

// Key returns the object key for a change set path.
func (p *Publisher) Key(path string) string {
	return pathutil.JoinKey(p.prefix, path)
}

// Publish applies every entry of set. It never fails as a whole; per-path
// failures are reported in the Outcome.
func (p *Publisher) Publish(ctx context.Context, set *changes.Set, src ContentSource) Outcome {
	entries := set.Entries()
	results := make([]PathOutcome, len(entries))
	if len(entries) == 0 {
		return Outcome{}
	}

	start := time.Now()

	// fixed pool; each worker owns the result slots of the indices it takes
	work := make(chan int)
	var wg sync.WaitGroup
	for range min(p.workers, len(entries)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				results[i] = p.apply(ctx, entries[i], src)
			}
		}()
	}
	for i := range entries {
		work <- i
	}
	close(work)
	wg.Wait()

	out := Outcome{Paths: results}
	uploaded, unchanged, deleted, failed := out.Counts()
	p.logger.Info(ctx, "publish complete",
		"bucket", p.store.Bucket(),
		"entries", len(entries),
		"uploaded", uploaded,
		"unchanged", unchanged,
		"deleted", deleted,
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out
}

func (p *Publisher) apply(ctx context.Context, e changes.Entry, src ContentSource) PathOutcome {
	res := PathOutcome{Path: e.Path, Key: p.Key(e.Path), Kind: e.Kind}

	var err error
	if e.Kind == changes.Deleted {
		err = p.remove(ctx, res.Key)
		if err == nil {
			res.Status = StatusDeleted
			p.metrics.ObjectDeleted()
		}
	} else {
		res.Status, res.Bytes, err = p.write(ctx, res.Key, e, src)
		switch {
		case err != nil:
		case res.Status == StatusUnchanged:
			p.metrics.ObjectUnchanged()
		default:
			p.metrics.ObjectPublished(res.Bytes)
		}
	}

	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		p.metrics.PublishError()
		p.logger.Warn(ctx, "publish failed for path",
			"path", e.Path,
			"kind", e.Kind.String(),
			"key", res.Key,
			"error", err,
		)
	}
	return res
}

func (p *Publisher) remove(ctx context.Context, key string) error {
	return p.retry.Do(ctx, func(ctx context.Context) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		return p.store.Delete(ctx, key)
	})
}

func (p *Publisher) write(ctx context.Context, key string, e changes.Entry, src ContentSource) (Status, int, error) {
	if src == nil {
		return StatusFailed, 0, xerrors.New("no content source")
	}
	if err := ctx.Err(); err != nil {
		return StatusFailed, 0, err
	}

	body, err := src.Open(ctx, *e.Blob)
	if err != nil {
		return StatusFailed, 0, xerrors.Wrap(err, "read content")
	}

	digest := cryptoutil.SHA256Hex(body)
	ct := ContentType(e.Path, body)

	type head struct {
		info   objstore.Info
		exists bool
	}
	h, err := retry.Value(ctx, p.retry, func(ctx context.Context) (head, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return head{}, err
		}
		info, ok, err := p.store.Head(ctx, key)
		return head{info: info, exists: ok}, err
	})
	if err != nil {
		return StatusFailed, 0, xerrors.Wrap(err, "head object")
	}
	if h.exists && h.info.ContentType == ct && cryptoutil.DigestEqual(h.info.Metadata[objstore.MetaSHA256], digest) {
		return StatusUnchanged, len(body), nil
	}

	obj := objstore.Object{
		Key:         key,
		Body:        body,
		ContentType: ct,
		Metadata:    map[string]string{objstore.MetaSHA256: digest},
	}
	err = p.retry.Do(ctx, func(ctx context.Context) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		return p.store.Put(ctx, obj)
	})
	if err != nil {
		return StatusFailed, 0, xerrors.Wrap(err, "put object")
	}
	return StatusUploaded, len(body), nil
}
