package main

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/notify"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/synchttp"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncstate"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/trigger"
	v "github.com/keithlinneman/linnemanlabs-sitesync/internal/version"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

const codeCommitEventSource = "aws:codecommit"

// decodeEvent accepts a CodeCommit repository trigger or, for manual
// invocations, a trigger.Event document.
func decodeEvent(raw []byte) (trigger.Event, error) {
	var cc events.CodeCommitEvent
	if err := json.Unmarshal(raw, &cc); err == nil && len(cc.Records) > 0 && cc.Records[0].EventSource == codeCommitEventSource {
		return trigger.FromCodeCommit(cc), nil
	}

	var ev trigger.Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		return trigger.Event{}, xerrors.Wrap(err, "decode lambda event")
	}
	if len(ev.Records) == 0 {
		return trigger.Event{}, xerrors.New("lambda event has no records")
	}
	return ev, nil
}

// lambdaHandler runs one trigger per invocation. after runs once the sync
// finished, before the runtime may freeze the sandbox. Events that cannot be
// decoded never reach the engine, so the handler notifies for them itself.
type lambdaHandler struct {
	syncer     syncstate.Syncer
	notifier   notify.Notifier
	logger     log.Logger
	branch     string
	repository string
	after      func(ctx context.Context)
	now        func() time.Time
}

func (h *lambdaHandler) Handle(ctx context.Context, raw json.RawMessage) (*synchttp.SyncResponse, error) {
	L := h.logger
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		// every stage's records carry the invocation id
		ctx = log.WithFields(ctx, "aws_request_id", lc.AwsRequestID)
	}
	ctx = log.WithContext(ctx, L)
	if h.after != nil {
		defer h.after(ctx)
	}

	var invocationID string
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		invocationID = lc.AwsRequestID
	}

	ev, err := decodeEvent(raw)
	if err != nil {
		L.Error(ctx, err, "rejecting invocation")
		h.rejected(ctx, invocationID, err)
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = invocationID
	}

	start := time.Now()
	results, err := h.syncer.HandleTrigger(ctx, ev)
	resp := &synchttp.SyncResponse{
		Status:  synchttp.StatusOK,
		EventID: ev.ID,
		Results: synchttp.ViewResults(results),
	}
	if err != nil {
		// the engine already logged and notified; failing the invocation
		// lets the async retry policy redeliver the trigger
		resp.Status = synchttp.StatusFailed
		resp.Error = err.Error()
		return resp, err
	}
	L.Info(ctx, "invocation complete",
		"event_id", ev.ID,
		"records", len(ev.Records),
		"synced", len(results),
		"duration", time.Since(start),
	)
	return resp, nil
}

func (h *lambdaHandler) rejected(ctx context.Context, invocationID string, err error) {
	if h.notifier == nil {
		return
	}
	now := time.Now
	if h.now != nil {
		now = h.now
	}
	h.notifier.Notify(ctx, notify.Failure{
		Repository:   h.repository,
		Branch:       h.branch,
		Stage:        notify.StageTrigger,
		Cause:        err,
		InvocationID: invocationID,
		Time:         now(),
	})
}

func runLambda(ctx context.Context, conf cfg.App, region string, p *pipeline, m *metrics.SyncMetrics) int {
	L := log.FromContext(ctx)
	vi := v.Get()

	tp, err := otelx.Init(ctx, otelx.Options{
		Enabled:         conf.EnableTracing,
		Endpoint:        conf.OTLPEndpoint,
		Insecure:        true,
		Sample:          conf.TraceSample,
		Service:         appName,
		Component:       cfg.ModeLambda,
		Version:         vi.Version,
		FunctionName:    lambdacontext.FunctionName,
		FunctionVersion: lambdacontext.FunctionVersion,
		Region:          region,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h := &lambdaHandler{
		syncer:     p.engine,
		notifier:   p.notifier,
		logger:     L,
		branch:     conf.Branch,
		repository: p.repository,
		after: func(ctx context.Context) {
			// the sandbox may freeze right after we return
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := tp.Flush(fctx); err != nil {
				L.Warn(fctx, "trace flush failed", "error", err)
			}
			if conf.PushgatewayURL == "" {
				return
			}
			if err := m.Push(fctx, conf.PushgatewayURL, appName, lambdacontext.FunctionName); err != nil {
				L.Warn(fctx, "metrics push failed", "error", err)
			}
		},
	}

	L.Info(ctx, "starting lambda runtime",
		"function", lambdacontext.FunctionName,
		"function_version", lambdacontext.FunctionVersion,
		"region", region,
	)
	lambda.StartWithOptions(h.Handle, lambda.WithContext(ctx))
	return 0
}
