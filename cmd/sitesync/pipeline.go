package main

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/engine"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/invalidate"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/notify"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/objstore"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/publish"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/retry"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/revision"
	v "github.com/keithlinneman/linnemanlabs-sitesync/internal/version"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

func retryPolicy(conf cfg.App, L log.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts: conf.RetryMaxAttempts,
		BaseDelay:   conf.RetryBaseDelay,
		MaxDelay:    conf.RetryMaxDelay,
		Jitter:      retry.DefaultJitter,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			L.Debug(context.Background(), "retrying transient failure",
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		},
	}
}

func buildSource(ctx context.Context, conf cfg.App, awsCfg aws.Config) (revision.Source, error) {
	switch conf.Source {
	case cfg.SourceCodeCommit:
		return revision.NewCodeCommitSourceFromConfig(awsCfg, conf.Repository)
	case cfg.SourceGitHub:
		client := revision.NewGitHubClient(ctx, conf.GitHubToken, nil)
		client.UserAgent = v.Get().UserAgent(appName)
		return revision.NewGitHubSource(client, conf.GitHubOwner, conf.GitHubRepo)
	case cfg.SourceGit:
		return revision.CloneGitSource(ctx, conf.GitURL, conf.GitHubToken)
	}
	return nil, xerrors.Newf("unknown revision source %q", conf.Source)
}

func buildStore(conf cfg.App, awsCfg aws.Config) (objstore.Store, error) {
	if conf.Store == cfg.StoreMinio {
		return objstore.DialMinio(objstore.MinioOptions{
			Endpoint:  conf.MinioEndpoint,
			AccessKey: conf.MinioAccessKey,
			SecretKey: conf.MinioSecretKey,
			Secure:    conf.MinioSecure,
			Bucket:    conf.BucketName,
		})
	}
	return objstore.NewS3StoreFromConfig(awsCfg, objstore.S3Options{
		Bucket:   conf.BucketName,
		KMSKeyID: conf.KMSKeyID,
	})
}

// pipeline is the wired sync engine plus the reader it diffs with, which
// the branch poller shares.
type pipeline struct {
	engine     *engine.Engine
	reader     *revision.Reader
	notifier   notify.Notifier
	repository string
}

// buildPipeline wires the configured source, store, cdn and notifier into
// one sync engine.
func buildPipeline(ctx context.Context, conf cfg.App, awsCfg aws.Config, L log.Logger, m *metrics.SyncMetrics) (*pipeline, error) {
	policy := retryPolicy(conf, L)

	src, err := buildSource(ctx, conf, awsCfg)
	if err != nil {
		return nil, xerrors.Wrapf(err, "revision source %s", conf.Source)
	}
	reader, err := revision.NewReader(revision.ReaderOptions{
		Source:     src,
		Logger:     L.With("stage", "diff"),
		Retry:      policy,
		SourceRoot: conf.SourcePrefix,
	})
	if err != nil {
		return nil, err
	}

	store, err := buildStore(conf, awsCfg)
	if err != nil {
		return nil, xerrors.Wrapf(err, "object store %s", conf.Store)
	}

	// nil limiter means unpaced
	var limiter *ratelimit.Limiter
	if conf.PublishRPS > 0 {
		limiter = ratelimit.NewLimiter(conf.PublishRPS, conf.Workers)
	}
	pub, err := publish.New(publish.Options{
		Store:     store,
		Logger:    L.With("stage", "publish"),
		Metrics:   m,
		Retry:     policy,
		Limiter:   limiter,
		Workers:   conf.Workers,
		KeyPrefix: conf.KeyPrefix,
	})
	if err != nil {
		return nil, err
	}

	var cdn invalidate.CDN = invalidate.NopCDN{}
	if conf.DistributionID != "" {
		cf, err := invalidate.NewCloudFrontCDNFromConfig(awsCfg, conf.DistributionID)
		if err != nil {
			return nil, xerrors.Wrap(err, "cloudfront")
		}
		cdn = cf
	} else {
		L.Warn(ctx, "no distribution configured, cdn invalidation disabled")
	}
	inv := invalidate.New(invalidate.Options{
		CDN:        cdn,
		Logger:     L.With("stage", "invalidate"),
		Metrics:    m,
		Retry:      policy,
		BatchSize:  conf.InvalidationBatchSize,
		OriginPath: conf.OriginPath,
	})

	var notifier notify.Notifier = notify.NewLogNotifier(L)
	if conf.TopicARN != "" {
		sns, err := notify.NewSNSNotifierFromConfig(awsCfg, conf.TopicARN, L, m)
		if err != nil {
			return nil, xerrors.Wrap(err, "sns notifier")
		}
		notifier = sns
	}

	// github deliveries carry the bare repository name
	repository := conf.Repository
	if repository == "" && conf.Source == cfg.SourceGitHub {
		repository = conf.GitHubRepo
	}

	eng, err := engine.New(engine.Options{
		Config: engine.Config{
			Branch:     conf.Branch,
			Repository: repository,
			Timeout:    conf.Timeout(),
		},
		Reader:      reader,
		Publisher:   pub,
		Invalidator: inv,
		Notifier:    notifier,
		Logger:      L,
		Metrics:     m,
	})
	if err != nil {
		return nil, err
	}
	return &pipeline{engine: eng, reader: reader, notifier: notifier, repository: repository}, nil
}
