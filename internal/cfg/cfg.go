package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
)

// Run modes.
const (
	ModeAuto   = "auto"
	ModeLambda = "lambda"
	ModeServer = "server"
)

// Revision sources.
const (
	SourceCodeCommit = "codecommit"
	SourceGitHub     = "github"
	SourceGit        = "git"
)

// Object stores.
const (
	StoreS3    = "s3"
	StoreMinio = "minio"
)

// maxInvalidationBatch is CloudFront's per-request path ceiling.
const maxInvalidationBatch = 3000

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	Mode       string
	Branch     string
	Repository string

	Source       string
	GitHubOwner  string
	GitHubRepo   string
	GitHubToken  string
	GitURL       string
	SourcePrefix string

	Store          string
	BucketName     string
	KeyPrefix      string
	KMSKeyID       string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioSecure    bool

	DistributionID        string
	OriginPath            string
	InvalidationBatchSize int
	TopicARN              string

	TimeoutSeconds   int
	Workers          int
	PublishRPS       float64
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	HTTPPort        int
	AdminPort       int
	WebhookSecret   string
	SyncToken       string
	TrustedHops     int
	PollInterval    time.Duration
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
	PushgatewayURL  string
	EnvFile         string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.StringVar(&c.Mode, "mode", ModeAuto, "auto|lambda|server (auto picks lambda inside the Lambda runtime)")
	fs.StringVar(&c.Branch, "branch", "main", "branch to sync (bare name or refs/heads/...)")
	fs.StringVar(&c.Repository, "repository", "", "repository name; triggers for other repositories are ignored")

	fs.StringVar(&c.Source, "source", SourceCodeCommit, "revision source: codecommit|github|git")
	fs.StringVar(&c.GitHubOwner, "github-owner", "", "GitHub repository owner (source=github)")
	fs.StringVar(&c.GitHubRepo, "github-repo", "", "GitHub repository name (source=github)")
	fs.StringVar(&c.GitHubToken, "github-token", "", "GitHub token, or ssm:<parameter>")
	fs.StringVar(&c.GitURL, "git-url", "", "remote URL to clone (source=git)")
	fs.StringVar(&c.SourcePrefix, "source-prefix", "", "only sync paths under this repository directory (e.g. public/)")

	fs.StringVar(&c.Store, "store", StoreS3, "object store: s3|minio")
	fs.StringVar(&c.BucketName, "bucket-name", "", "destination bucket, or ssm:<parameter>")
	fs.StringVar(&c.KeyPrefix, "key-prefix", "", "prefix prepended to every object key; part of the invalidated path unless covered by origin-path")
	fs.StringVar(&c.KMSKeyID, "kms-key-id", "", "KMS key id for SSE-KMS uploads (store=s3)")
	fs.StringVar(&c.MinioEndpoint, "minio-endpoint", "", "S3-compatible endpoint host:port (store=minio)")
	fs.StringVar(&c.MinioAccessKey, "minio-access-key", "", "access key (store=minio)")
	fs.StringVar(&c.MinioSecretKey, "minio-secret-key", "", "secret key, or ssm:<parameter> (store=minio)")
	fs.BoolVar(&c.MinioSecure, "minio-secure", true, "use TLS for the minio endpoint")

	fs.StringVar(&c.DistributionID, "distribution-id", "", "CloudFront distribution id, or ssm:<parameter>; empty disables invalidation")
	fs.StringVar(&c.OriginPath, "origin-path", "", "origin path of the distribution; invalidations are object keys relative to it (must contain key-prefix keys)")
	fs.IntVar(&c.InvalidationBatchSize, "invalidation-batch-size", maxInvalidationBatch, "paths per invalidation request (1..3000)")
	fs.StringVar(&c.TopicARN, "topic-arn", "", "SNS topic for failure notifications, or ssm:<parameter>; empty logs only")

	fs.IntVar(&c.TimeoutSeconds, "timeout-seconds", 300, "execution budget per trigger in seconds (0 = none)")
	fs.IntVar(&c.Workers, "workers", 8, "concurrent object store operations (1..256)")
	fs.Float64Var(&c.PublishRPS, "publish-rps", 0, "object store requests per second (0 = unlimited)")
	fs.IntVar(&c.RetryMaxAttempts, "retry-max-attempts", 4, "attempts per transient operation (1..20)")
	fs.DurationVar(&c.RetryBaseDelay, "retry-base-delay", 200*time.Millisecond, "first retry delay")
	fs.DurationVar(&c.RetryMaxDelay, "retry-max-delay", 5*time.Second, "retry delay ceiling")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "webhook listen TCP port (1..65535, server mode)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535, server mode)")
	fs.StringVar(&c.WebhookSecret, "webhook-secret", "", "GitHub webhook secret, or ssm:<parameter>; empty disables the hook endpoint")
	fs.StringVar(&c.SyncToken, "sync-token", "", "bearer token for POST /v1/sync, or ssm:<parameter>; empty disables the endpoint")
	fs.IntVar(&c.TrustedHops, "trusted-proxy-hops", 0, "reverse proxies in front of the webhook listener whose X-Forwarded-For is trusted (0..8)")
	fs.DurationVar(&c.PollInterval, "poll-interval", 0, "branch head poll interval in server mode (0 = off, min 10s)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.PushgatewayURL, "pushgateway-url", "", "Prometheus Pushgateway to push metrics to after each lambda invocation")
	fs.StringVar(&c.EnvFile, "env-file", "", "optional .env file loaded before environment overrides")
}

// Timeout is the execution budget as a duration.
func (c App) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if !oneOf(c.Mode, ModeAuto, ModeLambda, ModeServer) {
		errs = append(errs, fmt.Errorf("invalid MODE %q (must be auto|lambda|server)", c.Mode))
	}
	if strings.TrimPrefix(c.Branch, "refs/heads/") == "" {
		errs = append(errs, fmt.Errorf("BRANCH is required"))
	}

	// Revision source
	switch c.Source {
	case SourceCodeCommit:
		if c.Repository == "" {
			errs = append(errs, fmt.Errorf("REPOSITORY required when SOURCE=codecommit"))
		}
	case SourceGitHub:
		if c.GitHubOwner == "" || c.GitHubRepo == "" {
			errs = append(errs, fmt.Errorf("GITHUB_OWNER and GITHUB_REPO required when SOURCE=github"))
		}
	case SourceGit:
		if c.GitURL == "" {
			errs = append(errs, fmt.Errorf("GIT_URL required when SOURCE=git"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SOURCE %q (must be codecommit|github|git)", c.Source))
	}
	if strings.HasPrefix(c.SourcePrefix, "/") || strings.Contains(c.SourcePrefix, "..") {
		errs = append(errs, fmt.Errorf("SOURCE_PREFIX must be a relative path without .. (got %q)", c.SourcePrefix))
	}

	// Object store
	if c.BucketName == "" {
		errs = append(errs, fmt.Errorf("BUCKET_NAME is required"))
	}
	switch c.Store {
	case StoreS3:
	case StoreMinio:
		if c.MinioEndpoint == "" {
			errs = append(errs, fmt.Errorf("MINIO_ENDPOINT required when STORE=minio"))
		} else if _, _, err := net.SplitHostPort(c.MinioEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("MINIO_ENDPOINT must be host:port (got %q): %v", c.MinioEndpoint, err))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be s3|minio)", c.Store))
	}
	if strings.HasPrefix(c.KeyPrefix, "/") {
		errs = append(errs, fmt.Errorf("KEY_PREFIX must not start with / (got %q)", c.KeyPrefix))
	}
	if origin := strings.Trim(c.OriginPath, "/"); origin != "" && !strings.HasPrefix(strings.Trim(c.KeyPrefix, "/")+"/", origin+"/") {
		errs = append(errs, fmt.Errorf("KEY_PREFIX %q must be under ORIGIN_PATH %q or objects are unreachable through the cdn", c.KeyPrefix, c.OriginPath))
	}

	// Invalidation and pipeline limits
	if c.InvalidationBatchSize < 1 || c.InvalidationBatchSize > maxInvalidationBatch {
		errs = append(errs, fmt.Errorf("INVALIDATION_BATCH_SIZE must be 1..%d (got %d)", maxInvalidationBatch, c.InvalidationBatchSize))
	}
	if c.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid TIMEOUT_SECONDS %d (must be >= 0)", c.TimeoutSeconds))
	}
	if c.Workers < 1 || c.Workers > 256 {
		errs = append(errs, fmt.Errorf("WORKERS must be 1..256 (got %d)", c.Workers))
	}
	if c.PublishRPS < 0 {
		errs = append(errs, fmt.Errorf("invalid PUBLISH_RPS %.2f (must be >= 0)", c.PublishRPS))
	}
	if c.RetryMaxAttempts < 1 || c.RetryMaxAttempts > 20 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be 1..20 (got %d)", c.RetryMaxAttempts))
	}
	if c.RetryBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_BASE_DELAY must be positive (got %s)", c.RetryBaseDelay))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("RETRY_MAX_DELAY %s is below RETRY_BASE_DELAY %s", c.RetryMaxDelay, c.RetryBaseDelay))
	}

	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..8 (got %d)", c.TrustedHops))
	}
	if c.PollInterval != 0 && c.PollInterval < 10*time.Second {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be 0 or >= 10s (got %s)", c.PollInterval))
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.PushgatewayURL != "" {
		if u, err := url.Parse(c.PushgatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PUSHGATEWAY_URL must be a URL (got %q)", c.PushgatewayURL))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
