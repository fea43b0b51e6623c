package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/beaconhq/event-pipeline/internal/domain"
)

// Transport abstracts delivery of one batch to the remote endpoint.
// Implementations must not mutate or retain the batch. A nil return means
// the endpoint acknowledged the whole batch; failures carry the
// retryable/permanent classification via the typed errors below — the
// delivery coordinator never guesses from error text.
//
// Mocking this interface in tests gives full control over endpoint behaviour
// without making real HTTP calls.
type Transport interface {
	Send(ctx context.Context, b *domain.Batch) error
}

// RetryableError marks a failure worth retrying: network errors, timeouts,
// and server-busy responses.
type RetryableError struct {
	Reason string
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable delivery failure: %s: %v", e.Reason, e.Err)
	}
	return "retryable delivery failure: " + e.Reason
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: rejected
// payloads, permanently invalid credentials. The batch is discarded.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent delivery failure: %s: %v", e.Reason, e.Err)
	}
	return "permanent delivery failure: " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
