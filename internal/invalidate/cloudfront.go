package invalidate

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/awserr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncerr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// CloudFrontAPI is the subset of the CloudFront client used here.
type CloudFrontAPI interface {
	CreateInvalidation(ctx context.Context, in *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// CloudFrontCDN invalidates paths on one CloudFront distribution.
type CloudFrontCDN struct {
	api            CloudFrontAPI
	distributionID string
}

func NewCloudFrontCDN(api CloudFrontAPI, distributionID string) (*CloudFrontCDN, error) {
	if api == nil {
		return nil, xerrors.New("cloudfront client is required")
	}
	if distributionID == "" {
		return nil, xerrors.New("distribution id is required")
	}
	return &CloudFrontCDN{api: api, distributionID: distributionID}, nil
}

// NewCloudFrontCDNFromConfig builds a CDN on a default SDK client.
func NewCloudFrontCDNFromConfig(awsCfg aws.Config, distributionID string) (*CloudFrontCDN, error) {
	return NewCloudFrontCDN(cloudfront.NewFromConfig(awsCfg), distributionID)
}

func (c *CloudFrontCDN) Distribution() string { return c.distributionID }

func (c *CloudFrontCDN) CreateInvalidation(ctx context.Context, callerRef string, paths []string) (string, error) {
	out, err := c.api.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(c.distributionID),
		InvalidationBatch: &types.InvalidationBatch{
			CallerReference: aws.String(callerRef),
			Paths: &types.Paths{
				Quantity: aws.Int32(int32(len(paths))),
				Items:    paths,
			},
		},
	})
	if err != nil {
		var tooMany *types.TooManyInvalidationsInProgress
		if errors.As(err, &tooMany) || awserr.HasCode(err, "TooManyInvalidationsInProgress") {
			return "", &syncerr.QuotaExceededError{DistributionID: c.distributionID, Pending: len(paths), Err: err}
		}
		if awserr.Retryable(err) {
			return "", syncerr.Transient("CreateInvalidation", err)
		}
		return "", xerrors.Wrapf(err, "create invalidation on %s", c.distributionID)
	}
	if out.Invalidation == nil {
		return "", nil
	}
	return aws.ToString(out.Invalidation.Id), nil
}
