package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/metrics"
	v "github.com/keithlinneman/linnemanlabs-sitesync/internal/version"
)

const (
	appName   = "linnemanlabs-sitesync"
	envPrefix = "SITESYNC_"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s\n", appName, vi.String())
		return 0
	}

	stderrf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}

	// .env is applied before env overrides so real env vars still win
	envFile := conf.EnvFile
	if envFile == "" {
		envFile = os.Getenv(envPrefix + "ENV_FILE")
	}
	if err := cfg.LoadEnvFile(envFile, true); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	cfg.FillFromEnv(flag.CommandLine, envPrefix, stderrf)

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		return 1
	}
	stackLvl := lvl
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
			return 1
		}
	}
	mode := resolveMode(conf.Mode)
	lg, err := log.New(log.Options{
		App:               appName,
		Component:         mode,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()

	L := lg
	ctx = log.WithContext(ctx, L)

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithAppID(appName))
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config")
		return 1
	}

	// secrets may be stored as ssm:<parameter>
	if conf.NeedsSSM() {
		if err := cfg.ResolveSSM(ctx, ssm.NewFromConfig(awsCfg), &conf); err != nil {
			L.Error(ctx, err, "failed to resolve ssm parameters")
			return 1
		}
	}

	if err := cfg.Validate(conf); err != nil {
		L.Error(ctx, err, "config error")
		return 1
	}

	L.Info(ctx, "initializing application",
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"source", conf.Source,
		"repository", conf.Repository,
		"branch", conf.Branch,
		"store", conf.Store,
		"bucket", conf.BucketName,
		"key_prefix", conf.KeyPrefix,
		"source_prefix", conf.SourcePrefix,
		"distribution_id", conf.DistributionID,
		"notifications", conf.TopicARN != "",
		"timeout_seconds", conf.TimeoutSeconds,
		"workers", conf.Workers,
		"publish_rps", conf.PublishRPS,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, mode, &vi)

	p, err := buildPipeline(ctx, conf, awsCfg, L, m)
	if err != nil {
		L.Error(ctx, err, "failed to build sync pipeline")
		return 1
	}

	if mode == cfg.ModeLambda {
		return runLambda(ctx, conf, region(awsCfg), p, m)
	}
	return runServer(ctx, conf, p, m)
}

// resolveMode picks lambda inside the Lambda runtime when mode is auto.
func resolveMode(mode string) string {
	if mode != cfg.ModeAuto {
		return mode
	}
	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		return cfg.ModeLambda
	}
	return cfg.ModeServer
}

func region(awsCfg aws.Config) string {
	if awsCfg.Region != "" {
		return awsCfg.Region
	}
	return os.Getenv("AWS_REGION")
}
