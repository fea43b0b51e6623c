package domain

import "time"

// Priority controls queue admission and eviction. Critical items are cut
// first and may displace normal items when the queue is full.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityNormal:
		return true
	}
	return false
}

// Item is a single unit of work submitted by a producer. It is immutable
// once created: the pipeline never rewrites an item's fields, only moves
// the item between the queue, a batch, and the durable store.
type Item struct {
	ID        string    `json:"id"`
	Priority  Priority  `json:"priority"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// SubmitRequest is the inbound payload for a single item. An empty ID asks
// the pipeline to assign one.
type SubmitRequest struct {
	ID       string   `json:"id,omitempty"`
	Priority Priority `json:"priority"`
	Payload  []byte   `json:"payload"`
}

func (r *SubmitRequest) Validate() error {
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if !r.Priority.IsValid() {
		return ErrInvalidPriority
	}
	if len(r.Payload) == 0 || len(r.Payload) > MaxPayloadBytes {
		return ErrInvalidPayload
	}
	return nil
}

// MaxPayloadBytes bounds a single item's payload size.
const MaxPayloadBytes = 256 * 1024
