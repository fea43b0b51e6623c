package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/event-pipeline/internal/domain"
	"github.com/beaconhq/event-pipeline/internal/store"
	"github.com/beaconhq/event-pipeline/internal/transport"
)

// batchState is the coordinator's per-batch record. Owned exclusively by
// the owner goroutine; send goroutines only ever read the batch pointer
// while the state is Sending, during which the owner does not mutate it.
type batchState struct {
	batch     *domain.Batch
	state     domain.BatchState
	persisted bool
	timer     *time.Timer

	// retryDelay carries the computed backoff between the failure outcome
	// and the persist completion that arms the timer.
	retryDelay time.Duration

	// revoked marks a batch that was mid-send when the gate closed; its
	// failure outcome discards instead of retrying.
	revoked bool
}

type resultKind int

const (
	sendDone resultKind = iota
	persistDone
)

type result struct {
	kind    resultKind
	batchID string
	err     error
	latency time.Duration
}

// postResult hands an outcome back to the owner without leaking the posting
// goroutine if the owner has already exited.
func (p *Pipeline) postResult(r result) {
	select {
	case p.results <- r:
	case <-p.done:
	}
}

// reloadBatch places a persisted batch directly into Retrying with its
// attempt count preserved, preventing retry amplification across restarts.
func (p *Pipeline) reloadBatch(b *domain.Batch) {
	st := &batchState{
		batch:     b,
		state:     domain.BatchRetrying,
		persisted: true,
	}
	p.inFlight[b.ID] = st
	st.retryDelay = withJitter(backoffDelay(p.opts.BaseDelay, p.opts.MaxDelay, b.Attempt))
	p.armRetryTimer(st)
}

// startSend moves a batch into Sending and issues the transport call on its
// own goroutine. The gate is re-checked here, immediately before the send:
// a revocation between cut (or retry scheduling) and now must win.
func (p *Pipeline) startSend(st *batchState) {
	if !p.gate.Allowed() {
		p.discardBatch(st, domain.ReasonAdmissionRevoked)
		return
	}

	st.state = domain.BatchSending
	st.timer = nil
	b := st.batch

	p.sends.Add(1)
	go func() {
		defer p.sends.Done()
		if p.limiter != nil {
			if err := p.limiter.Wait(p.sendCtx); err != nil {
				p.postResult(result{kind: sendDone, batchID: b.ID,
					err: &transport.RetryableError{Reason: "send cancelled", Err: err}})
				return
			}
		}
		start := time.Now()
		err := p.tr.Send(p.sendCtx, b)
		p.postResult(result{kind: sendDone, batchID: b.ID, err: err, latency: time.Since(start)})
	}()
}

func (p *Pipeline) handleResult(r result) {
	switch r.kind {
	case sendDone:
		p.handleSendOutcome(r)
	case persistDone:
		p.handlePersistOutcome(r)
	}
}

func (p *Pipeline) handleSendOutcome(r result) {
	st, ok := p.inFlight[r.batchID]
	if !ok {
		return
	}

	if r.err == nil {
		p.deliverBatch(st, r.latency)
		return
	}

	log := p.logger.With(
		zap.String("batch_id", st.batch.ID),
		zap.Int("attempt", st.batch.Attempt),
	)

	switch {
	case st.revoked:
		log.Info("batch failed after admission revoked, discarding")
		p.discardBatch(st, domain.ReasonAdmissionRevoked)

	case transport.IsPermanent(r.err):
		log.Warn("permanent delivery failure", zap.Error(r.err))
		p.discardBatch(st, domain.ReasonPermanentFailure)

	default:
		// Retryable, or unclassified from a sloppy transport; the safe
		// fallback for an unknown failure is to retry within budget.
		nextAttempt := st.batch.Attempt + 1
		if nextAttempt > p.opts.MaxRetryAttempts {
			log.Warn("retry budget exhausted", zap.Error(r.err))
			p.discardBatch(st, domain.ReasonRetryBudgetExhausted)
			return
		}
		log.Info("retryable delivery failure, scheduling retry", zap.Error(r.err))
		p.scheduleRetry(st, nextAttempt)
	}
}

// deliverBatch handles the terminal success transition.
func (p *Pipeline) deliverBatch(st *batchState, latency time.Duration) {
	st.state = domain.BatchDelivered
	delete(p.inFlight, st.batch.ID)
	if st.persisted {
		p.removeAsync(st.batch.ID)
	}
	p.hooks.OnDelivered(latency)
	p.emit(domain.Event{Type: domain.EventDelivered, BatchID: st.batch.ID, At: time.Now().UTC()})
	p.logger.Info("batch delivered",
		zap.String("batch_id", st.batch.ID),
		zap.Int("items", len(st.batch.Items)),
		zap.Duration("latency", latency))
	p.reportDepth()
}

// discardBatch handles every terminal failure transition.
func (p *Pipeline) discardBatch(st *batchState, reason domain.DiscardReason) {
	st.state = domain.BatchDiscarded
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	delete(p.inFlight, st.batch.ID)
	if st.persisted {
		p.removeAsync(st.batch.ID)
	}
	p.hooks.OnDiscarded(reason)
	p.emit(domain.Event{
		Type:    domain.EventDiscarded,
		BatchID: st.batch.ID,
		Reason:  reason,
		At:      time.Now().UTC(),
	})
	p.reportDepth()
}

// scheduleRetry computes the backoff, persists the batch so it survives a
// crash before the delay elapses, and arms the timer once the persist
// completes.
func (p *Pipeline) scheduleRetry(st *batchState, nextAttempt int) {
	delay := withJitter(backoffDelay(p.opts.BaseDelay, p.opts.MaxDelay, st.batch.Attempt))
	st.batch.Attempt = nextAttempt
	nra := time.Now().UTC().Add(delay)
	st.batch.NextRetryAt = &nra
	st.state = domain.BatchRetrying
	st.retryDelay = delay
	p.hooks.OnRetried()

	b := st.batch
	go func() {
		err := p.store.Append(context.Background(), b)
		p.postResult(result{kind: persistDone, batchID: b.ID, err: err})
	}()
}

func (p *Pipeline) handlePersistOutcome(r result) {
	st, ok := p.inFlight[r.batchID]
	if !ok {
		// The batch was discarded while the persist was in flight (gate
		// revoked); undo the write so the store holds no zombie record.
		if r.err == nil {
			p.removeAsync(r.batchID)
		}
		return
	}
	if r.err != nil {
		// Degraded durability: the retry still runs, it just will not
		// survive a crash before the timer fires.
		p.logger.Error("failed to persist retrying batch",
			zap.String("batch_id", r.batchID), zap.Error(r.err))
	} else {
		st.persisted = true
	}
	if st.state == domain.BatchRetrying && st.timer == nil {
		p.armRetryTimer(st)
	}
}

func (p *Pipeline) armRetryTimer(st *batchState) {
	id := st.batch.ID
	st.timer = time.AfterFunc(st.retryDelay, func() {
		select {
		case p.inbound <- command{kind: cmdRetryDue, batchID: id}:
		case <-p.done:
		}
	})
}

func (p *Pipeline) retryDue(batchID string) {
	st, ok := p.inFlight[batchID]
	if !ok || st.state != domain.BatchRetrying {
		return
	}
	// startSend re-checks the gate: a revocation during the backoff wait
	// transitions straight to Discarded without touching the transport.
	p.startSend(st)
}

// handleRevoke applies the discard-all-pending policy when the gate closes:
// queued items are dropped, retrying batches are discarded and removed from
// the store, and mid-send batches are marked so their failure outcome
// discards instead of retrying. A mid-send batch that succeeds anyway is
// reported delivered — it had already left the process.
func (p *Pipeline) handleRevoke() {
	if !p.opts.DiscardOnRevoke {
		p.logger.Info("admission revoked, retaining pending work per policy")
		return
	}

	dropped := p.q.DiscardAll()
	if len(dropped) > 0 {
		p.logger.Info("admission revoked, discarding queued items",
			zap.Int("count", len(dropped)))
	}

	for _, st := range p.inFlight {
		switch st.state {
		case domain.BatchRetrying:
			p.discardBatch(st, domain.ReasonAdmissionRevoked)
		case domain.BatchPending, domain.BatchSending:
			st.revoked = true
		}
	}
	p.reportDepth()
}

// sendingCount is used by the shutdown drain to know when every mid-flight
// attempt has reported its outcome.
func (p *Pipeline) sendingCount() int {
	n := 0
	for _, st := range p.inFlight {
		if st.state == domain.BatchSending {
			n++
		}
	}
	return n
}

// drainAndExit implements Shutdown on the owner goroutine: stop the
// triggers, persist everything undelivered, wait (bounded by the caller's
// ctx) for mid-send attempts, then tear down.
func (p *Pipeline) drainAndExit(req *shutdownReq) {
	var errs []error

	// Backoff timers are cancelled; their batches are already persisted.
	for _, st := range p.inFlight {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}

	// Everything still queued is cut into batches and persisted, so a
	// clean shutdown loses nothing.
	for p.q.Len() > 0 {
		items := p.q.DrainUpTo(p.opts.BatchSize)
		if !p.gate.Allowed() && p.opts.DiscardOnRevoke {
			p.logger.Info("gate closed at shutdown, discarding queued items",
				zap.Int("count", len(items)))
			continue
		}
		b := domain.NewBatch(uuid.New().String(), items)
		if err := p.store.Append(req.ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("%w: persist queued batch %s: %w", domain.ErrStoreFailure, b.ID, err))
		}
	}

	// Retrying batches whose persist had failed earlier get one more try.
	for _, st := range p.inFlight {
		if st.state == domain.BatchRetrying && !st.persisted {
			if err := p.store.Append(req.ctx, st.batch); err != nil {
				errs = append(errs, fmt.Errorf("%w: persist retrying batch %s: %w", domain.ErrStoreFailure, st.batch.ID, err))
			} else {
				st.persisted = true
			}
		}
	}

	// Mid-send attempts may complete; handle their outcomes until done or
	// the deadline passes.
	for p.sendingCount() > 0 {
		select {
		case r := <-p.results:
			p.handleDrainResult(req.ctx, r, &errs)
		case <-req.ctx.Done():
			for _, st := range p.inFlight {
				if st.state == domain.BatchSending {
					if err := p.store.Append(context.Background(), st.batch); err != nil {
						errs = append(errs, fmt.Errorf("%w: persist sending batch %s: %w", domain.ErrStoreFailure, st.batch.ID, err))
					}
				}
			}
			req.done <- errors.Join(errs...)
			p.teardown()
			return
		}
	}

	req.done <- errors.Join(errs...)
	p.teardown()
}

func (p *Pipeline) handleDrainResult(ctx context.Context, r result, errs *[]error) {
	if r.kind != sendDone {
		p.handlePersistOutcome(r)
		return
	}
	st, ok := p.inFlight[r.batchID]
	if !ok {
		return
	}

	if r.err == nil {
		p.deliverBatch(st, r.latency)
		return
	}

	switch {
	case st.revoked:
		p.discardBatch(st, domain.ReasonAdmissionRevoked)
	case transport.IsPermanent(r.err):
		p.discardBatch(st, domain.ReasonPermanentFailure)
	default:
		// No retry during shutdown: count the attempt and persist so the
		// next start continues where this one stopped.
		st.batch.Attempt++
		if st.batch.Attempt > p.opts.MaxRetryAttempts {
			p.discardBatch(st, domain.ReasonRetryBudgetExhausted)
			return
		}
		st.state = domain.BatchRetrying
		if err := p.store.Append(ctx, st.batch); err != nil {
			*errs = append(*errs, fmt.Errorf("%w: persist failed batch %s: %w", domain.ErrStoreFailure, st.batch.ID, err))
		} else {
			st.persisted = true
		}
	}
}

func (p *Pipeline) teardown() {
	close(p.done)
	close(p.events)
	p.logger.Info("pipeline stopped")
}

func (p *Pipeline) removeAsync(batchID string) {
	go func() {
		if err := p.store.Remove(context.Background(), batchID); err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Error("failed to remove batch from store",
				zap.String("batch_id", batchID), zap.Error(err))
		}
	}()
}
