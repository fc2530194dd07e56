package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// Push sends the registry to a Pushgateway under job, grouped by instance.
// Short-lived lambda invocations have no scrape window, so they push once
// per trigger instead.
func (m *SyncMetrics) Push(ctx context.Context, url, job, instance string) error {
	p := push.New(url, job).Gatherer(m.reg)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if err := p.PushContext(ctx); err != nil {
		return xerrors.Wrapf(err, "push metrics to %s", url)
	}
	return nil
}
