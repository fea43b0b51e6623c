package domain

import "time"

// EventType identifies an entry on the pipeline's observable event channel.
type EventType string

const (
	// EventDelivered fires once per batch acknowledged by the endpoint.
	EventDelivered EventType = "delivered"
	// EventDiscarded fires once per batch dropped for a terminal reason.
	EventDiscarded EventType = "discarded"
	// EventEvicted fires when an already-accepted item is displaced from
	// the queue to make room for a newer one.
	EventEvicted EventType = "evicted"
)

// DiscardReason explains a terminal EventDiscarded.
type DiscardReason string

const (
	ReasonRetryBudgetExhausted DiscardReason = "retry_budget_exhausted"
	ReasonPermanentFailure     DiscardReason = "permanent_failure"
	ReasonAdmissionRevoked     DiscardReason = "admission_revoked"
)

// Event is emitted on the pipeline's event channel for logging and telemetry
// collaborators. Transient conditions (retryable failures, backoff waits)
// never produce events; only terminal outcomes and evictions do.
type Event struct {
	Type    EventType     `json:"type"`
	BatchID string        `json:"batch_id,omitempty"`
	ItemID  string        `json:"item_id,omitempty"`
	Reason  DiscardReason `json:"reason,omitempty"`
	At      time.Time     `json:"at"`
}
