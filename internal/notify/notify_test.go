package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
)

type fakeSNS struct {
	in     *sns.PublishInput
	err    error
	calls  int
	ctxErr error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.calls++
	f.in = in
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

type countMetrics struct {
	delivered, failed int
}

func (c *countMetrics) Notification(ok bool) {
	if ok {
		c.delivered++
	} else {
		c.failed++
	}
}

func sampleFailure() Failure {
	return Failure{
		Range:        changes.NewRange("1111111111111111", "2222222222222222", "refs/heads/main"),
		Repository:   "site",
		Branch:       "main",
		Stage:        StagePublish,
		Cause:        errors.New("2 path(s) failed to publish"),
		PathErrors:   []changes.PathError{{Path: "a.html", Cause: errors.New("denied")}},
		InvocationID: "req-1",
		Time:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestMessage(t *testing.T) {
	body, err := Message(sampleFailure())
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got["stage"] != "publish" || got["repository"] != "site" || got["after"] != "2222222222222222" {
		t.Fatalf("message = %s", body)
	}
	pe := got["path_errors"].([]any)
	if len(pe) != 1 || pe[0].(map[string]any)["error"] != "denied" {
		t.Fatalf("path_errors = %v", pe)
	}
}

func TestMessage_CapsPathErrors(t *testing.T) {
	f := sampleFailure()
	f.PathErrors = nil
	for i := 0; i < MaxPathErrors+5; i++ {
		f.PathErrors = append(f.PathErrors, changes.PathError{Path: fmt.Sprintf("p%d", i), Cause: errors.New("x")})
	}
	body, _ := Message(f)
	var got message
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.PathErrors) != MaxPathErrors || got.OmittedErrors != 5 {
		t.Fatalf("path errors = %d omitted = %d", len(got.PathErrors), got.OmittedErrors)
	}
}

func TestSubject(t *testing.T) {
	f := sampleFailure()
	s := Subject(f)
	if !strings.HasPrefix(s, "sitesync publish failed: site ") {
		t.Fatalf("subject = %q", s)
	}

	trig := Failure{Repository: "site", Stage: StageTrigger, Cause: errors.New("decode lambda event")}
	if got := Subject(trig); got != "sitesync trigger failed: site" {
		t.Fatalf("subject without a range = %q", got)
	}

	f.Repository = strings.Repeat("r", 200) + "\nü"
	s = Subject(f)
	if len(s) > 100 {
		t.Fatalf("subject length = %d", len(s))
	}
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			t.Fatalf("subject contains %q", r)
		}
	}
}

func TestSNSNotifier_Publishes(t *testing.T) {
	api := &fakeSNS{}
	m := &countMetrics{}
	n, err := NewSNSNotifier(api, "arn:aws:sns:us-east-2:123:site", nil, m)
	if err != nil {
		t.Fatalf("NewSNSNotifier: %v", err)
	}
	n.Notify(t.Context(), sampleFailure())

	if api.calls != 1 || m.delivered != 1 {
		t.Fatalf("calls=%d delivered=%d", api.calls, m.delivered)
	}
	if aws.ToString(api.in.TopicArn) != "arn:aws:sns:us-east-2:123:site" {
		t.Fatal("topic not set")
	}
	if aws.ToString(api.in.MessageAttributes["stage"].StringValue) != "publish" {
		t.Fatal("stage attribute missing")
	}
	if aws.ToString(api.in.MessageAttributes["repository"].StringValue) != "site" {
		t.Fatal("repository attribute missing")
	}
	if !json.Valid([]byte(aws.ToString(api.in.Message))) {
		t.Fatal("message is not json")
	}
}

func TestSNSNotifier_FailureIsSwallowed(t *testing.T) {
	api := &fakeSNS{err: errors.New("sns down")}
	m := &countMetrics{}
	n, _ := NewSNSNotifier(api, "arn:topic", nil, m)

	// must not panic or block; the only signal is the metric
	n.Notify(t.Context(), sampleFailure())
	if m.failed != 1 {
		t.Fatalf("failed = %d", m.failed)
	}
}

func TestSNSNotifier_ExpiredContextStillDelivers(t *testing.T) {
	api := &fakeSNS{}
	n, _ := NewSNSNotifier(api, "arn:topic", nil, nil)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	n.Notify(ctx, sampleFailure())
	if api.ctxErr != nil {
		t.Fatalf("publish context already done: %v", api.ctxErr)
	}
}

func TestNewSNSNotifier_Validation(t *testing.T) {
	if _, err := NewSNSNotifier(nil, "arn", nil, nil); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewSNSNotifier(&fakeSNS{}, "", nil, nil); err == nil {
		t.Fatal("expected error for empty topic")
	}
}

func TestLogNotifier(t *testing.T) {
	NewLogNotifier(nil).Notify(t.Context(), sampleFailure())
}
