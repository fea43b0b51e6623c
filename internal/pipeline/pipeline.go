// Package pipeline implements the offline-resilient event delivery core:
// producers submit items through the facade, a bounded queue absorbs bursts,
// batches are cut on size or time triggers, and a delivery coordinator
// drives each batch through send, bounded-backoff retry, and durable
// persistence so undelivered work survives restarts.
//
// Concurrency model: one owner goroutine serialises every queue mutation
// and state-machine transition. Producers hand items off through a buffered
// inbound channel; network sends and store writes run on short-lived
// goroutines that post their outcome back to the owner. Nothing outside the
// owner ever touches the queue or a batch's state.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/event-pipeline/internal/domain"
	"github.com/beaconhq/event-pipeline/internal/gate"
	"github.com/beaconhq/event-pipeline/internal/queue"
	"github.com/beaconhq/event-pipeline/internal/ratelimiter"
	"github.com/beaconhq/event-pipeline/internal/store"
	"github.com/beaconhq/event-pipeline/internal/transport"
)

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdFlush
	cmdRetryDue
	cmdRevoke
	cmdStats
	cmdShutdown
)

type command struct {
	kind      cmdKind
	item      domain.Item            // cmdSubmit
	pushResp  chan queue.PushResult  // cmdSubmit
	flushDone chan error             // cmdFlush
	batchID   string                 // cmdRetryDue
	statsResp chan Stats             // cmdStats
	shutdown  *shutdownReq           // cmdShutdown
}

type shutdownReq struct {
	ctx  context.Context
	done chan error
}

// Stats is a point-in-time snapshot for the stats endpoint.
type Stats struct {
	QueueCritical   int  `json:"queue_critical"`
	QueueNormal     int  `json:"queue_normal"`
	BatchesInFlight int  `json:"batches_in_flight"`
	GateAllowed     bool `json:"gate_allowed"`
}

// Pipeline is the only surface producers call. Construct with New, then
// Start before submitting; Shutdown persists undelivered work.
type Pipeline struct {
	opts    Options
	hooks   Hooks
	gate    *gate.AdmissionGate
	store   store.Store
	tr      transport.Transport
	limiter *ratelimiter.SendLimiter
	logger  *zap.Logger

	q        *queue.BoundedQueue
	inFlight map[string]*batchState

	inbound chan command
	results chan result
	events  chan domain.Event

	sendCtx     context.Context
	cancelSends context.CancelFunc
	sends       sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

// New wires the pipeline. The limiter may be nil to send unpaced.
func New(
	g *gate.AdmissionGate,
	st store.Store,
	tr transport.Transport,
	limiter *ratelimiter.SendLimiter,
	logger *zap.Logger,
	opts Options,
	hooks Hooks,
) *Pipeline {
	opts = opts.withDefaults()
	sendCtx, cancelSends := context.WithCancel(context.Background())

	p := &Pipeline{
		opts:        opts,
		hooks:       hooks.withNoops(),
		gate:        g,
		store:       st,
		tr:          tr,
		limiter:     limiter,
		logger:      logger,
		q:           queue.New(opts.MaxQueueSize, opts.CriticalReserve),
		inFlight:    make(map[string]*batchState),
		inbound:     make(chan command, opts.MaxQueueSize),
		results:     make(chan result, 64),
		events:      make(chan domain.Event, opts.EventBuffer),
		sendCtx:     sendCtx,
		cancelSends: cancelSends,
		done:        make(chan struct{}),
	}

	g.OnRevoke(func() {
		select {
		case p.inbound <- command{kind: cmdRevoke}:
		case <-p.done:
		}
	})
	return p
}

// Start reloads persisted batches into the retrying state — their attempt
// counters preserved, so restarts never reset the retry budget — and then
// launches the owner goroutine. Fresh submissions are accepted only after
// the reload completes.
func (p *Pipeline) Start(ctx context.Context) error {
	persisted, err := p.store.LoadAll(ctx)
	if err != nil {
		return errors.Join(domain.ErrStoreFailure, err)
	}
	for _, b := range persisted {
		p.reloadBatch(b)
	}
	if len(persisted) > 0 {
		p.logger.Info("reloaded persisted batches", zap.Int("count", len(persisted)))
	}

	p.started.Store(true)
	go p.run()
	return nil
}

// Submit hands one item to the pipeline. It fails fast: the admission gate
// and capacity checks reject immediately rather than blocking the producer.
// Returns the item's ID (assigned if the request carried none).
func (p *Pipeline) Submit(req domain.SubmitRequest) (string, error) {
	if err := req.Validate(); err != nil {
		p.hooks.OnRejected("invalid")
		return "", err
	}
	if !p.started.Load() || p.closed.Load() {
		return "", domain.ErrPipelineClosed
	}
	if !p.gate.Allowed() {
		p.hooks.OnRejected("gate_closed")
		return "", domain.ErrCollectionDisabled
	}

	item := domain.Item{
		ID:        req.ID,
		Priority:  req.Priority,
		Payload:   req.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if item.ID == "" {
		item.ID = newItemID()
	}

	resp := make(chan queue.PushResult, 1)
	select {
	case p.inbound <- command{kind: cmdSubmit, item: item, pushResp: resp}:
	case <-p.done:
		return "", domain.ErrPipelineClosed
	}

	select {
	case res := <-resp:
		if res.Err != nil {
			switch {
			case errors.Is(res.Err, domain.ErrQueueFull):
				p.hooks.OnRejected("queue_full")
			case errors.Is(res.Err, domain.ErrDuplicateID):
				p.hooks.OnRejected("duplicate_id")
			}
			return "", res.Err
		}
		return item.ID, nil
	case <-p.done:
		return "", domain.ErrPipelineClosed
	}
}

// FlushNow cuts everything currently queued, subject to the admission
// check, and returns once the cuts have been handed to the coordinator —
// not once they are delivered. Used on app-foreground and shutdown paths.
func (p *Pipeline) FlushNow(ctx context.Context) error {
	if !p.started.Load() || p.closed.Load() {
		return domain.ErrPipelineClosed
	}
	done := make(chan error, 1)
	select {
	case p.inbound <- command{kind: cmdFlush, flushDone: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return domain.ErrPipelineClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return domain.ErrPipelineClosed
	}
}

// Stats returns a snapshot taken on the owner goroutine.
func (p *Pipeline) Stats(ctx context.Context) (Stats, error) {
	if !p.started.Load() || p.closed.Load() {
		return Stats{}, domain.ErrPipelineClosed
	}
	resp := make(chan Stats, 1)
	select {
	case p.inbound <- command{kind: cmdStats, statsResp: resp}:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-p.done:
		return Stats{}, domain.ErrPipelineClosed
	}
	select {
	case s := <-resp:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-p.done:
		return Stats{}, domain.ErrPipelineClosed
	}
}

// Events exposes the observable event channel: Delivered, Discarded, and
// Evicted notifications for logging and telemetry collaborators. The
// channel is closed when the pipeline shuts down.
func (p *Pipeline) Events() <-chan domain.Event {
	return p.events
}

// Shutdown stops the triggers, persists all queued and undelivered batches,
// and returns only after persistence completes. Batches mid-send are given
// until ctx's deadline to finish their current attempt; a store failure
// here is returned as an error since silent loss on shutdown is
// unacceptable.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p.closed.Swap(true) {
		return domain.ErrPipelineClosed
	}
	done := make(chan error, 1)
	select {
	case p.inbound <- command{kind: cmdShutdown, shutdown: &shutdownReq{ctx: ctx, done: done}}:
	case <-p.done:
		return nil
	}
	err := <-done

	// Abort any send still in flight past the deadline; its batch has
	// already been persisted.
	p.cancelSends()
	p.sends.Wait()
	return err
}

// run is the owner loop. All state transitions happen here.
func (p *Pipeline) run() {
	ticker := time.NewTicker(p.opts.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-p.inbound:
			if cmd.kind == cmdShutdown {
				p.drainAndExit(cmd.shutdown)
				return
			}
			p.handleCommand(cmd, ticker)
		case <-ticker.C:
			p.cutOne()
			ticker.Reset(p.opts.BatchInterval)
		case r := <-p.results:
			p.handleResult(r)
		}
	}
}

func (p *Pipeline) handleCommand(cmd command, ticker *time.Ticker) {
	switch cmd.kind {
	case cmdSubmit:
		res := p.q.Push(cmd.item)
		cmd.pushResp <- res
		if res.EvictedID != "" {
			p.hooks.OnEvicted()
			p.emit(domain.Event{Type: domain.EventEvicted, ItemID: res.EvictedID, At: time.Now().UTC()})
			p.logger.Debug("evicted oldest item for newer submission",
				zap.String("evicted_id", res.EvictedID), zap.String("item_id", cmd.item.ID))
		}
		if res.Accepted {
			p.hooks.OnSubmitted(cmd.item.Priority)
			if p.q.Len() >= p.opts.BatchSize {
				p.cutOne()
				ticker.Reset(p.opts.BatchInterval)
			}
		}
		p.reportDepth()

	case cmdFlush:
		for p.q.Len() > 0 {
			before := p.q.Len()
			p.cutOne()
			if p.q.Len() == before {
				break
			}
		}
		ticker.Reset(p.opts.BatchInterval)
		cmd.flushDone <- nil

	case cmdRetryDue:
		p.retryDue(cmd.batchID)

	case cmdRevoke:
		p.handleRevoke()

	case cmdStats:
		critical, normal := p.q.Depths()
		cmd.statsResp <- Stats{
			QueueCritical:   critical,
			QueueNormal:     normal,
			BatchesInFlight: len(p.inFlight),
			GateAllowed:     p.gate.Allowed(),
		}
	}
}

// emit publishes to the event channel without ever blocking the owner.
func (p *Pipeline) emit(ev domain.Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("event channel full, dropping event",
			zap.String("type", string(ev.Type)), zap.String("batch_id", ev.BatchID))
	}
}

func (p *Pipeline) reportDepth() {
	critical, normal := p.q.Depths()
	p.hooks.OnDepth(critical, normal, len(p.inFlight))
}

// cutOne drains up to BatchSize items into a new batch and dispatches it.
// If the gate is closed at cut time the drained items are discarded (when
// the revoke policy says so) instead of being re-queued.
func (p *Pipeline) cutOne() {
	if p.q.Len() == 0 {
		return
	}
	if !p.gate.Allowed() {
		if p.opts.DiscardOnRevoke {
			dropped := p.q.DiscardAll()
			p.logger.Info("gate closed at cut time, discarding queued items",
				zap.Int("count", len(dropped)))
			p.reportDepth()
		}
		return
	}

	items := p.q.DrainUpTo(p.opts.BatchSize)
	b := domain.NewBatch(uuid.New().String(), items)
	st := &batchState{batch: b, state: domain.BatchPending}
	p.inFlight[b.ID] = st
	p.logger.Debug("batch cut",
		zap.String("batch_id", b.ID), zap.Int("items", len(items)))
	p.startSend(st)
	p.reportDepth()
}
