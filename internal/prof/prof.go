// Package prof pushes continuous profiles to Pyroscope in server mode and
// labels profile samples with the sync stage that produced them.
package prof

import (
	"context"
	"maps"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/version"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	Component     string
	ServerAddress string
	TenantID      string
	Build         version.Info

	// Tags are added to the build tags and win on conflict.
	Tags map[string]string

	ProfileMutexFraction int
	BlockProfileRate     int
}

// tags identifies the build so profiles can be compared across deploys.
func tags(opts Options) map[string]string {
	out := map[string]string{
		"app":    opts.AppName,
		"source": "go-agent",
	}
	for k, v := range map[string]string{
		"component": opts.Component,
		"version":   opts.Build.Version,
		"commit":    opts.Build.Commit,
		"build_id":  opts.Build.BuildId,
	} {
		if v != "" {
			out[k] = v
		}
	}
	maps.Copy(out, opts.Tags)
	return out
}

// profileTypes always collects cpu, heap and goroutines. Mutex and block
// profiles are empty unless their sampling rates are set.
func profileTypes(opts Options) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if opts.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

// Start begins pushing profiles and returns a stop func, which is never nil.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		return noop, xerrors.New("pyroscope: invalid server address (\"\")")
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            tags(opts),
		ProfileTypes:    profileTypes(opts),
	})
	if err != nil {
		return noop, xerrors.Wrapf(err, "pyroscope: start %s", opts.ServerAddress)
	}

	kv := []any{"server_address", opts.ServerAddress, "app_name", opts.AppName}
	L.Info(ctx, "pyroscope started", kv...)
	return func() {
		if err := profiler.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop", append(kv, "error", err.Error())...)
			return
		}
		L.Info(context.Background(), "pyroscope stopped", kv...)
	}, nil
}

// StageLabel is the profile label that carries the sync stage.
const StageLabel = "sync_stage"

// Stage runs fn with samples labelled by stage. Labels are plain pprof
// labels, so this costs nothing when no profiler is running.
func Stage(ctx context.Context, stage string, fn func(context.Context)) {
	pyroscope.TagWrapper(ctx, pyroscope.Labels(StageLabel, stage), fn)
}
