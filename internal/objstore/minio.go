package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncerr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// MinioAPI is the subset of *minio.Client used by MinioStore.
type MinioAPI interface {
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
}

// MinioStore publishes to an S3-compatible endpoint through minio-go.
type MinioStore struct {
	api    MinioAPI
	bucket string
}

func NewMinioStore(api MinioAPI, bucket string) (*MinioStore, error) {
	if api == nil {
		return nil, xerrors.New("minio client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("bucket name is required")
	}
	return &MinioStore{api: api, bucket: bucket}, nil
}

// DialMinio creates a client for opts.Endpoint with static credentials.
func DialMinio(opts MinioOptions) (*MinioStore, error) {
	if opts.Endpoint == "" {
		return nil, xerrors.New("minio endpoint is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "create minio client for %s", opts.Endpoint)
	}
	return NewMinioStore(client, opts.Bucket)
}

func (s *MinioStore) Bucket() string { return s.bucket }

func (s *MinioStore) classify(op, key string, err error) error {
	wrapped := xerrors.Wrapf(err, "minio %s %s/%s", op, s.bucket, key)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "SlowDown" || resp.Code == "InternalError" || resp.Code == "ServiceUnavailable":
		return syncerr.Transient(op, wrapped)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return syncerr.Transient(op, wrapped)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return syncerr.Transient(op, wrapped)
	}
	return wrapped
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (s *MinioStore) Head(ctx context.Context, key string) (Info, bool, error) {
	oi, err := s.api.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return Info{}, false, nil
		}
		return Info{}, false, s.classify("StatObject", key, err)
	}
	return Info{
		Key:         key,
		Size:        oi.Size,
		ETag:        oi.ETag,
		ContentType: oi.ContentType,
		Metadata:    lowerKeys(oi.UserMetadata),
	}, true, nil
}

func (s *MinioStore) Put(ctx context.Context, obj Object) error {
	_, err := s.api.PutObject(ctx, s.bucket, obj.Key, bytes.NewReader(obj.Body), int64(len(obj.Body)), minio.PutObjectOptions{
		ContentType:  obj.ContentType,
		UserMetadata: obj.Metadata,
	})
	if err != nil {
		return s.classify("PutObject", obj.Key, err)
	}
	return nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.api.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isMinioNotFound(err) {
			return nil
		}
		return s.classify("RemoveObject", key, err)
	}
	return nil
}
