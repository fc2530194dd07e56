// Package objstore is the destination bucket behind the publisher. S3Store
// talks to AWS S3, MinioStore to any S3-compatible endpoint.
package objstore

import (
	"context"
	"strings"
)

// MetaSHA256 is the user metadata key carrying the hex content digest of a
// published object. The publisher uses it to skip unchanged uploads.
const MetaSHA256 = "sha256"

// Object is a single upload.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored object. Metadata keys are lower-cased.
type Info struct {
	Key         string
	Size        int64
	ETag        string
	ContentType string
	Metadata    map[string]string
}

// Store is the set of object operations the publisher needs. Implementations
// return syncerr.TransientError for retryable failures.
type Store interface {
	// Head returns the object info and whether the key exists.
	Head(ctx context.Context, key string) (Info, bool, error)
	Put(ctx context.Context, obj Object) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Bucket names the destination for logs.
	Bucket() string
}

func lowerKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
