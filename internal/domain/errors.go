package domain

import "errors"

// Sentinel errors used throughout the application.
// The HTTP handlers translate these to status codes via a single mapError
// function; producers match them with errors.Is.
var (
	ErrCollectionDisabled = errors.New("collection disabled: admission gate is closed")
	ErrQueueFull          = errors.New("queue is at capacity with no evictable slot")
	ErrDuplicateID        = errors.New("an item with this id is already queued")
	ErrInvalidPriority    = errors.New("invalid priority: must be critical or normal")
	ErrInvalidPayload     = errors.New("payload must be between 1 byte and 256 KiB")
	ErrPipelineClosed     = errors.New("pipeline has been shut down")
	ErrStoreFailure       = errors.New("durable store operation failed")
)
