package objstore

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/awserr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncerr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Options struct {
	Bucket string

	// KMSKeyID enables SSE-KMS with this key. Empty uses the bucket default.
	KMSKeyID string
}

type S3Store struct {
	api  S3API
	opts S3Options
}

func NewS3Store(api S3API, opts S3Options) (*S3Store, error) {
	if api == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("bucket name is required")
	}
	return &S3Store{api: api, opts: opts}, nil
}

// NewS3StoreFromConfig builds a store on a default SDK client.
func NewS3StoreFromConfig(awsCfg aws.Config, opts S3Options) (*S3Store, error) {
	return NewS3Store(s3.NewFromConfig(awsCfg), opts)
}

func (s *S3Store) Bucket() string { return s.opts.Bucket }

func (s *S3Store) classify(op, key string, err error) error {
	if awserr.Retryable(err) {
		return syncerr.Transient(op, xerrors.Wrapf(err, "s3 %s s3://%s/%s", op, s.opts.Bucket, key))
	}
	return xerrors.Wrapf(err, "s3 %s s3://%s/%s", op, s.opts.Bucket, key)
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	return awserr.HasCode(err, "NotFound", "NoSuchKey") || awserr.StatusCode(err) == http.StatusNotFound
}

func (s *S3Store) Head(ctx context.Context, key string) (Info, bool, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Info{}, false, nil
		}
		return Info{}, false, s.classify("HeadObject", key, err)
	}
	return Info{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    lowerKeys(out.Metadata),
	}, true, nil
}

func (s *S3Store) Put(ctx context.Context, obj Object) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(obj.Key),
		Body:          bytes.NewReader(obj.Body),
		ContentLength: aws.Int64(int64(len(obj.Body))),
		Metadata:      obj.Metadata,
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if s.opts.KMSKeyID != "" {
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		in.SSEKMSKeyId = aws.String(s.opts.KMSKeyID)
	}
	if _, err := s.api.PutObject(ctx, in); err != nil {
		return s.classify("PutObject", obj.Key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return s.classify("DeleteObject", key, err)
	}
	return nil
}
