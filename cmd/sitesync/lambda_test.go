package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/notify"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/synchttp"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/trigger"
)

const codeCommitPayload = `{
	"Records": [{
		"eventId": "evt-1",
		"eventSource": "aws:codecommit",
		"eventSourceARN": "arn:aws:codecommit:us-east-2:123456789012:site",
		"codecommit": {
			"references": [{"commit": "c2", "ref": "refs/heads/main"}]
		}
	}]
}`

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, ev trigger.Event)
	}{
		{
			name: "codecommit trigger",
			raw:  codeCommitPayload,
			check: func(t *testing.T, ev trigger.Event) {
				if ev.ID != "evt-1" || len(ev.Records) != 1 {
					t.Fatalf("event = %+v", ev)
				}
				r := ev.Records[0]
				if r.Repository != "site" || r.After != "c2" || !r.InferBefore {
					t.Fatalf("record = %+v", r)
				}
			},
		},
		{
			name: "manual trigger event",
			raw:  `{"id":"manual","records":[{"ref":"refs/heads/main","before":"c1","after":"c2"}]}`,
			check: func(t *testing.T, ev trigger.Event) {
				if ev.ID != "manual" || len(ev.Records) != 1 || ev.Records[0].Before != "c1" {
					t.Fatalf("event = %+v", ev)
				}
			},
		},
		{name: "empty records", raw: `{"records":[]}`, wantErr: true},
		{name: "unknown document", raw: `{"detail-type":"Scheduled Event"}`, wantErr: true},
		{name: "not json", raw: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeEvent([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("want error, got %+v", ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeEvent: %v", err)
			}
			tt.check(t, ev)
		})
	}
}

type stubSyncer struct {
	got     []trigger.Event
	results []*changes.Result
	err     error
}

func (s *stubSyncer) HandleTrigger(_ context.Context, ev trigger.Event) ([]*changes.Result, error) {
	s.got = append(s.got, ev)
	return s.results, s.err
}

type recordNotifier struct {
	failures []notify.Failure
}

func (n *recordNotifier) Notify(_ context.Context, f notify.Failure) {
	n.failures = append(n.failures, f)
}

func TestLambdaHandler_Handle(t *testing.T) {
	res := changes.NewResult(changes.ResultParams{
		Range:          changes.NewRange("c1", "c2", "refs/heads/main"),
		PublishedCount: 3,
	})
	s := &stubSyncer{results: []*changes.Result{res}}
	afterCalls := 0
	h := &lambdaHandler{syncer: s, logger: log.Nop(), after: func(context.Context) { afterCalls++ }}

	resp, err := h.Handle(t.Context(), json.RawMessage(codeCommitPayload))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(s.got) != 1 || s.got[0].ID != "evt-1" {
		t.Fatalf("HandleTrigger got %+v", s.got)
	}
	if resp.Status != synchttp.StatusOK || len(resp.Results) != 1 || resp.Results[0].Published != 3 {
		t.Fatalf("response = %+v", resp)
	}
	if afterCalls != 1 {
		t.Fatalf("after called %d times", afterCalls)
	}
}

func TestLambdaHandler_Errors(t *testing.T) {
	t.Run("sync failure is returned", func(t *testing.T) {
		s := &stubSyncer{err: errors.New("publish failed")}
		n := &recordNotifier{}
		afterCalls := 0
		h := &lambdaHandler{syncer: s, notifier: n, logger: log.Nop(), after: func(context.Context) { afterCalls++ }}

		resp, err := h.Handle(t.Context(), json.RawMessage(codeCommitPayload))
		if err == nil {
			t.Fatal("want error")
		}
		if resp == nil || resp.Status != synchttp.StatusFailed || resp.Error == "" {
			t.Fatalf("response = %+v", resp)
		}
		if afterCalls != 1 {
			t.Fatal("after must run on failure too")
		}
		if len(n.failures) != 0 {
			t.Fatalf("engine failures are notified by the engine, handler sent %d", len(n.failures))
		}
	})

	for _, raw := range []string{`{}`, `{"records":[]}`, `{"detail-type":"Scheduled Event"}`, `nope`} {
		t.Run("undecodable event is notified: "+raw, func(t *testing.T) {
			s := &stubSyncer{}
			n := &recordNotifier{}
			now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			h := &lambdaHandler{
				syncer:     s,
				notifier:   n,
				logger:     log.Nop(),
				branch:     "main",
				repository: "site",
				now:        func() time.Time { return now },
			}
			ctx := lambdacontext.NewContext(t.Context(), &lambdacontext.LambdaContext{AwsRequestID: "req-1"})

			_, err := h.Handle(ctx, json.RawMessage(raw))
			if err == nil {
				t.Fatal("want error")
			}
			if len(s.got) != 0 {
				t.Fatalf("HandleTrigger called with %+v", s.got)
			}
			if len(n.failures) != 1 {
				t.Fatalf("notifications = %d, want 1", len(n.failures))
			}
			f := n.failures[0]
			if f.Stage != notify.StageTrigger || !errors.Is(f.Cause, err) {
				t.Fatalf("failure = %+v", f)
			}
			if f.InvocationID != "req-1" || f.Branch != "main" || f.Repository != "site" || !f.Time.Equal(now) {
				t.Fatalf("failure = %+v", f)
			}
		})
	}
}

func TestResolveMode(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "")
	if got := resolveMode(cfg.ModeAuto); got != cfg.ModeServer {
		t.Fatalf("auto outside lambda = %q", got)
	}
	if got := resolveMode(cfg.ModeLambda); got != cfg.ModeLambda {
		t.Fatalf("explicit lambda = %q", got)
	}

	t.Setenv("AWS_LAMBDA_RUNTIME_API", "127.0.0.1:9001")
	if got := resolveMode(cfg.ModeAuto); got != cfg.ModeLambda {
		t.Fatalf("auto inside lambda = %q", got)
	}
	if got := resolveMode(cfg.ModeServer); got != cfg.ModeServer {
		t.Fatalf("explicit server = %q", got)
	}
}
