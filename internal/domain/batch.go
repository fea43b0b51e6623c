package domain

import "time"

// Batch is an ordered, non-empty group of items cut from the queue together.
// It is the unit of delivery and of persistence: a batch is retried whole or
// discarded whole, never split after creation.
type Batch struct {
	ID          string     `json:"id"`
	Items       []Item     `json:"items"`
	Attempt     int        `json:"attempt"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewBatch builds a batch around the given items. Items keep the order in
// which they were drained from the queue.
func NewBatch(id string, items []Item) *Batch {
	return &Batch{
		ID:        id,
		Items:     items,
		CreatedAt: time.Now().UTC(),
	}
}

// BatchState is the delivery-side lifecycle of a batch.
type BatchState string

const (
	BatchPending   BatchState = "pending"
	BatchSending   BatchState = "sending"
	BatchRetrying  BatchState = "retrying"
	BatchDelivered BatchState = "delivered"
	BatchDiscarded BatchState = "discarded"
)
