package notify

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// publish gets its own short budget so an expired sync deadline still
// leaves room to report the failure
const publishTimeout = 5 * time.Second

type SNSNotifier struct {
	api      SNSAPI
	topicARN string
	logger   log.Logger
	metrics  Metrics
}

func NewSNSNotifier(api SNSAPI, topicARN string, logger log.Logger, metrics Metrics) (*SNSNotifier, error) {
	if api == nil {
		return nil, xerrors.New("sns client is required")
	}
	if topicARN == "" {
		return nil, xerrors.New("topic arn is required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &SNSNotifier{api: api, topicARN: topicARN, logger: logger, metrics: metrics}, nil
}

// NewSNSNotifierFromConfig builds a notifier on a default SDK client.
func NewSNSNotifierFromConfig(awsCfg aws.Config, topicARN string, logger log.Logger, metrics Metrics) (*SNSNotifier, error) {
	return NewSNSNotifier(sns.NewFromConfig(awsCfg), topicARN, logger, metrics)
}

func (n *SNSNotifier) Notify(ctx context.Context, f Failure) {
	body, err := Message(f)
	if err != nil {
		n.metrics.Notification(false)
		n.logger.Error(ctx, err, "encode failure notification", "stage", string(f.Stage))
		return
	}

	attrs := map[string]types.MessageAttributeValue{
		"stage": {DataType: aws.String("String"), StringValue: aws.String(string(f.Stage))},
	}
	if f.Repository != "" {
		attrs["repository"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(f.Repository)}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	out, err := n.api.Publish(pctx, &sns.PublishInput{
		TopicArn:          aws.String(n.topicARN),
		Subject:           aws.String(Subject(f)),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		n.metrics.Notification(false)
		n.logger.Error(ctx, xerrors.Wrapf(err, "publish to %s", n.topicARN), "failure notification not delivered",
			"stage", string(f.Stage),
			"range", f.Range.String(),
		)
		return
	}
	n.metrics.Notification(true)
	n.logger.Info(ctx, "failure notification sent",
		"topic", n.topicARN,
		"message_id", aws.ToString(out.MessageId),
		"stage", string(f.Stage),
	)
}
