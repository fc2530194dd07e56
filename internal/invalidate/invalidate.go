// Package invalidate evicts the published paths from the CDN edge caches.
//
// Paths are translated to CDN form, split into batches of at most BatchSize
// and submitted sequentially. Each batch carries a caller reference derived
// from the revision range and its paths so duplicate deliveries collapse onto
// the same invalidation. Quota exhaustion stops the remaining batches and is
// reported as syncerr.QuotaExceededError.
package invalidate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/retry"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncerr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// DefaultBatchSize is the CloudFront per-request path ceiling.
const DefaultBatchSize = 3000

// CDN submits one invalidation request.
type CDN interface {
	CreateInvalidation(ctx context.Context, callerRef string, paths []string) (id string, err error)
	Distribution() string
}

// NopCDN accepts every request without contacting a CDN. Used when no
// distribution is configured.
type NopCDN struct{}

func (NopCDN) CreateInvalidation(context.Context, string, []string) (string, error) { return "", nil }
func (NopCDN) Distribution() string                                                   { return "" }

// Metrics receives submitted batch sizes.
type Metrics interface {
	InvalidationBatch(paths int)
}

type nopMetrics struct{}

func (nopMetrics) InvalidationBatch(int) {}

type Options struct {
	CDN       CDN
	Logger    log.Logger
	Metrics   Metrics
	Retry     retry.Policy
	BatchSize int
	// OriginPath is the distribution's origin path. Object keys are
	// invalidated relative to it.
	OriginPath string
}

type Invalidator struct {
	cdn        CDN
	logger     log.Logger
	metrics    Metrics
	retry      retry.Policy
	batchSize  int
	originPath string
}

func New(opts Options) *Invalidator {
	if opts.CDN == nil {
		opts.CDN = NopCDN{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.BatchSize <= 0 || opts.BatchSize > DefaultBatchSize {
		opts.BatchSize = DefaultBatchSize
	}
	return &Invalidator{
		cdn:        opts.CDN,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		retry:      opts.Retry,
		batchSize:  opts.BatchSize,
		originPath: strings.Trim(opts.OriginPath, "/"),
	}
}

// Submission records what reached the CDN.
type Submission struct {
	BatchIDs []string
	// Paths are the CDN paths of the accepted batches.
	Paths []string
}

// Invalidate submits invalidations for the object keys published for rng.
// On error the Submission still lists the accepted batches.
func (i *Invalidator) Invalidate(ctx context.Context, rng changes.RevisionRange, keys []string) (Submission, error) {
	var sub Submission
	paths, outside := ViewerPaths(keys, i.originPath)
	if len(outside) > 0 {
		i.logger.Warn(ctx, "keys outside the origin path are not reachable through the cdn",
			"origin_path", i.originPath,
			"keys", len(outside),
			"first", outside[0],
		)
	}
	cdnPaths := CDNPaths(paths)
	if len(cdnPaths) == 0 {
		return sub, nil
	}
	if _, nop := i.cdn.(NopCDN); nop {
		i.logger.Debug(ctx, "no distribution configured, skipping invalidation", "paths", len(cdnPaths))
		return sub, nil
	}

	all := batches(cdnPaths, i.batchSize)
	for n, batch := range all {
		start := time.Now()
		callerRef := CallerReference(rng, batch)
		id, err := retry.Value(ctx, i.retry, func(ctx context.Context) (string, error) {
			return i.cdn.CreateInvalidation(ctx, callerRef, batch)
		})
		if err != nil {
			pending := 0
			for _, rest := range all[n:] {
				pending += len(rest)
			}
			var qe *syncerr.QuotaExceededError
			if errors.As(err, &qe) {
				i.logger.Warn(ctx, "invalidation quota exceeded, skipping remaining batches",
					"distribution", i.cdn.Distribution(),
					"batch", n+1,
					"batches", len(all),
					"pending_paths", pending,
				)
				return sub, &syncerr.QuotaExceededError{DistributionID: i.cdn.Distribution(), Pending: pending, Err: qe.Err}
			}
			return sub, xerrors.Wrapf(err, "invalidation batch %d/%d", n+1, len(all))
		}

		sub.BatchIDs = append(sub.BatchIDs, id)
		sub.Paths = append(sub.Paths, batch...)
		i.metrics.InvalidationBatch(len(batch))
		i.logger.Info(ctx, "submitted invalidation",
			"distribution", i.cdn.Distribution(),
			"invalidation_id", id,
			"caller_reference", callerRef,
			"paths", len(batch),
			"batch", n+1,
			"batches", len(all),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return sub, nil
}
