// Package syncerr is the error taxonomy of the sync engine.
//
// Components return these concrete types (usually wrapped) so the
// orchestrator and the retry policy can classify failures with errors.As:
//
//   - NotFoundError: a revision reference does not exist. Fatal, never retried.
//   - TransientError: network or throttling failure. Retried locally with backoff.
//   - QuotaExceededError: CDN invalidation quota exhausted. Non-fatal, reported.
//   - PartialPublishError: one or more paths failed to publish.
package syncerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
)

type NotFoundError struct {
	Ref string
	Err error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("revision %q not found: %v", e.Ref, e.Err)
	}
	return fmt.Sprintf("revision %q not found", e.Ref)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// TransientError marks a failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": transient: " + errString(e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks the error as retryable for callers that only see it
// through an interface, such as the logger.
func (e *TransientError) Transient() bool { return true }

// Transient wraps err as a TransientError. nil stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

type QuotaExceededError struct {
	DistributionID string
	// Pending are the CDN paths that were not submitted.
	Pending int
	Err     error
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("invalidation quota exceeded for distribution %s (%d paths not submitted): %s",
		e.DistributionID, e.Pending, errString(e.Err))
}

func (e *QuotaExceededError) Unwrap() error { return e.Err }

// PartialPublishError aggregates per-path publish failures.
type PartialPublishError struct {
	Failures []changes.PathError
}

func (e *PartialPublishError) Error() string {
	const show = 3
	var b strings.Builder
	fmt.Fprintf(&b, "%d path(s) failed to publish", len(e.Failures))
	for i, f := range e.Failures {
		if i == show {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-show)
			break
		}
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

func (e *PartialPublishError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f
	}
	return out
}

func IsNotFound(err error) bool {
	var t *NotFoundError
	return errors.As(err, &t)
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsQuotaExceeded(err error) bool {
	var t *QuotaExceededError
	return errors.As(err, &t)
}

func IsPartialPublish(err error) bool {
	var t *PartialPublishError
	return errors.As(err, &t)
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
