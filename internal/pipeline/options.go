package pipeline

import (
	"time"

	"github.com/beaconhq/event-pipeline/internal/domain"
)

// Options is the pipeline's tuning surface. Zero values fall back to the
// defaults below; config.Load carries the same knobs for the server binary.
type Options struct {
	// BatchSize is the size trigger: a batch is cut as soon as this many
	// items are queued, and no cut ever exceeds it.
	BatchSize int

	// BatchInterval is the time trigger: elapsed time since the last cut.
	BatchInterval time.Duration

	// MaxQueueSize bounds the in-memory queue across both priority lanes.
	MaxQueueSize int

	// CriticalReserve caps how many critical items may displace normal
	// ones when the queue is full.
	CriticalReserve int

	// Retry backoff: delay before attempt k is
	// min(BaseDelay * 2^k, MaxDelay) plus uniform jitter in [0, delay/2].
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxRetryAttempts is the retry budget per batch. Zero means a single
	// attempt with no retries.
	MaxRetryAttempts int

	// DiscardOnRevoke controls whether closing the admission gate purges
	// queued items and retrying batches immediately. The re-check before
	// every send happens regardless of this flag.
	DiscardOnRevoke bool

	// EventBuffer sizes the observable event channel. When a consumer
	// falls behind, further events are dropped with a log line rather
	// than blocking delivery.
	EventBuffer int
}

const (
	defaultBatchSize     = 50
	defaultBatchInterval = 5 * time.Second
	defaultMaxQueueSize  = 10000
	defaultBaseDelay     = time.Second
	defaultMaxDelay      = 2 * time.Minute
	defaultMaxRetries    = 5
	defaultEventBuffer   = 256
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = defaultBatchInterval
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = defaultMaxQueueSize
	}
	if o.CriticalReserve <= 0 {
		o.CriticalReserve = o.MaxQueueSize / 4
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = defaultMaxDelay
	}
	if o.MaxRetryAttempts < 0 {
		o.MaxRetryAttempts = defaultMaxRetries
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	return o
}

// Hooks carries the metric callback functions injected by main.
// Using a struct keeps the New signature clean; every field is optional.
type Hooks struct {
	OnSubmitted func(priority domain.Priority)
	OnRejected  func(reason string)
	OnEvicted   func()
	OnDelivered func(latency time.Duration)
	OnRetried   func()
	OnDiscarded func(reason domain.DiscardReason)
	OnDepth     func(critical, normal, inFlight int)
}

func (h Hooks) withNoops() Hooks {
	if h.OnSubmitted == nil {
		h.OnSubmitted = func(domain.Priority) {}
	}
	if h.OnRejected == nil {
		h.OnRejected = func(string) {}
	}
	if h.OnEvicted == nil {
		h.OnEvicted = func() {}
	}
	if h.OnDelivered == nil {
		h.OnDelivered = func(time.Duration) {}
	}
	if h.OnRetried == nil {
		h.OnRetried = func() {}
	}
	if h.OnDiscarded == nil {
		h.OnDiscarded = func(domain.DiscardReason) {}
	}
	if h.OnDepth == nil {
		h.OnDepth = func(int, int, int) {}
	}
	return h
}
