package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// Probe is evaluated per request. A nil error means healthy; otherwise the
// error text is the reason served with the 503.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

func ok(context.Context) error { return nil }

// Fixed always passes, or always fails with reason.
func Fixed(healthy bool, reason string) CheckFunc {
	if healthy {
		return ok
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// each runs the non-nil probes in order until stop returns true and
// reports how many passed along with the last failure.
func each(ctx context.Context, ps []Probe, stop func(err error) bool) (passed int, last error) {
	for _, p := range ps {
		if p == nil {
			continue
		}
		err := p.Check(ctx)
		if err == nil {
			passed++
		} else {
			last = err
		}
		if stop(err) {
			break
		}
	}
	return passed, last
}

// All passes when every probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		_, err := each(ctx, ps, func(err error) bool { return err != nil })
		return err
	}
}

// Any passes when at least one probe passes. With none passing it returns
// the last failure, or a generic error when there was nothing to check.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		passed, last := each(ctx, ps, func(err error) bool { return err == nil })
		switch {
		case passed > 0:
			return nil
		case last != nil:
			return last
		}
		return xerrors.New("no healthy probes")
	}
}

// Named prefixes a failure with the dependency it came from, e.g.
// "store: access denied".
func Named(name string, p Probe) CheckFunc {
	if p == nil {
		return ok
	}
	return func(ctx context.Context) error {
		return xerrors.Wrap(p.Check(ctx), name)
	}
}

// Timeout bounds a probe that makes a network call.
func Timeout(d time.Duration, p Probe) CheckFunc {
	if p == nil {
		return ok
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return p.Check(ctx)
	}
}

// Fresh fails when last() is older than maxAge, for loops that should keep
// reporting progress such as the branch poller.
func Fresh(name string, last func() time.Time, maxAge time.Duration) CheckFunc {
	return func(context.Context) error {
		if age := time.Since(last()); age > maxAge {
			return xerrors.Newf("%s: no success for %s", name, age.Truncate(time.Second))
		}
		return nil
	}
}

// ShutdownGate fails readiness once set so load balancers stop routing
// webhooks here before the in-flight sync drains.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
