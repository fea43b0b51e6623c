package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/event-pipeline/internal/domain"
	"github.com/beaconhq/event-pipeline/internal/gate"
	"github.com/beaconhq/event-pipeline/internal/pipeline"
	"github.com/beaconhq/event-pipeline/internal/store"
	"github.com/beaconhq/event-pipeline/internal/transport"
)

// fast backoff so retry tests complete in milliseconds
func testOptions() pipeline.Options {
	return pipeline.Options{
		BatchSize:        100,
		BatchInterval:    time.Hour, // time trigger effectively off
		MaxQueueSize:     100,
		CriticalReserve:  25,
		BaseDelay:        5 * time.Millisecond,
		MaxDelay:         20 * time.Millisecond,
		MaxRetryAttempts: 5,
		DiscardOnRevoke:  true,
	}
}

type fixture struct {
	p  *pipeline.Pipeline
	tr *transport.MockTransport
	st *store.MockStore
	g  *gate.AdmissionGate
}

func newFixture(t *testing.T, opts pipeline.Options, tr *transport.MockTransport) *fixture {
	t.Helper()
	st := store.NewMockStore()
	g := gate.New(true)
	p := pipeline.New(g, st, tr, nil, zap.NewNop(), opts, pipeline.Hooks{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return &fixture{p: p, tr: tr, st: st, g: g}
}

func submit(t *testing.T, p *pipeline.Pipeline, id string, prio domain.Priority) string {
	t.Helper()
	got, err := p.Submit(domain.SubmitRequest{ID: id, Priority: prio, Payload: []byte("payload")})
	if err != nil {
		t.Fatalf("submit %q: %v", id, err)
	}
	return got
}

func waitEvent(t *testing.T, events <-chan domain.Event, want domain.EventType) domain.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func waitStoreEmpty(t *testing.T, st *store.MockStore) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for st.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("store still holds %d batches", st.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestPipeline_SizeTriggerDeliversBatch: batchSize=3 and three submits cut
// exactly one batch of three items in submission order; on success the
// store ends empty and a delivered event fires.
func TestPipeline_SizeTriggerDeliversBatch(t *testing.T) {
	opts := testOptions()
	opts.BatchSize = 3
	f := newFixture(t, opts, transport.NewMockTransport())

	submit(t, f.p, "a", domain.PriorityNormal)
	submit(t, f.p, "b", domain.PriorityNormal)
	submit(t, f.p, "c", domain.PriorityNormal)

	ev := waitEvent(t, f.p.Events(), domain.EventDelivered)
	if ev.BatchID == "" {
		t.Fatal("delivered event missing batch id")
	}

	sent := f.tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one batch sent, got %d", len(sent))
	}
	b := sent[0]
	if len(b.Items) != 3 {
		t.Fatalf("expected 3 items in batch, got %d", len(b.Items))
	}
	for i, id := range []string{"a", "b", "c"} {
		if b.Items[i].ID != id {
			t.Fatalf("order not preserved: position %d is %s", i, b.Items[i].ID)
		}
	}
	if f.st.Len() != 0 {
		t.Fatalf("store should be empty after first-attempt success, holds %d", f.st.Len())
	}
}

func TestPipeline_TimeTriggerCutsBatch(t *testing.T) {
	opts := testOptions()
	opts.BatchInterval = 30 * time.Millisecond
	f := newFixture(t, opts, transport.NewMockTransport())

	submit(t, f.p, "x", domain.PriorityNormal)
	submit(t, f.p, "y", domain.PriorityNormal)

	waitEvent(t, f.p.Events(), domain.EventDelivered)
	sent := f.tr.Sent()
	if len(sent) != 1 || len(sent[0].Items) != 2 {
		t.Fatalf("expected one batch of 2 from the time trigger, got %+v", sent)
	}
}

func TestPipeline_FlushNowHandsOffEverything(t *testing.T) {
	f := newFixture(t, testOptions(), transport.NewMockTransport())

	submit(t, f.p, "a", domain.PriorityNormal)
	submit(t, f.p, "b", domain.PriorityCritical)
	submit(t, f.p, "c", domain.PriorityNormal)

	if err := f.p.FlushNow(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	waitEvent(t, f.p.Events(), domain.EventDelivered)
	sent := f.tr.Sent()
	if len(sent) != 1 || len(sent[0].Items) != 3 {
		t.Fatalf("expected one flushed batch of 3, got %+v", sent)
	}
	// Critical item leads the cut even though it was submitted second.
	if sent[0].Items[0].ID != "b" {
		t.Fatalf("expected critical item first, got %s", sent[0].Items[0].ID)
	}
}

func TestPipeline_SubmitRejectedWhenGateClosed(t *testing.T) {
	f := newFixture(t, testOptions(), transport.NewMockTransport())
	f.g.SetAllowed(false)

	_, err := f.p.Submit(domain.SubmitRequest{Priority: domain.PriorityNormal, Payload: []byte("x")})
	if !errors.Is(err, domain.ErrCollectionDisabled) {
		t.Fatalf("expected ErrCollectionDisabled, got %v", err)
	}
	if f.tr.SendCount() != 0 {
		t.Fatal("nothing should reach the transport while the gate is closed")
	}
}

func TestPipeline_DuplicateIDRejected(t *testing.T) {
	f := newFixture(t, testOptions(), transport.NewMockTransport())

	submit(t, f.p, "dup", domain.PriorityNormal)
	_, err := f.p.Submit(domain.SubmitRequest{ID: "dup", Priority: domain.PriorityNormal, Payload: []byte("x")})
	if !errors.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestPipeline_AssignsItemIDWhenEmpty(t *testing.T) {
	f := newFixture(t, testOptions(), transport.NewMockTransport())

	id := submit(t, f.p, "", domain.PriorityNormal)
	if id == "" {
		t.Fatal("expected an assigned item id")
	}
}

// TestPipeline_EvictionReportedAsEvent: with capacity 2, submits A, B, C
// leave {B, C} queued; A's displacement surfaces as an evicted event, not
// as a rejection of any submit call.
func TestPipeline_EvictionReportedAsEvent(t *testing.T) {
	opts := testOptions()
	opts.MaxQueueSize = 2
	opts.CriticalReserve = 1
	f := newFixture(t, opts, transport.NewMockTransport())

	submit(t, f.p, "A", domain.PriorityNormal)
	submit(t, f.p, "B", domain.PriorityNormal)
	submit(t, f.p, "C", domain.PriorityNormal)

	ev := waitEvent(t, f.p.Events(), domain.EventEvicted)
	if ev.ItemID != "A" {
		t.Fatalf("expected A evicted, got %s", ev.ItemID)
	}

	stats, err := f.p.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.QueueNormal != 2 {
		t.Fatalf("expected 2 queued items, got %d", stats.QueueNormal)
	}

	if err := f.p.FlushNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, f.p.Events(), domain.EventDelivered)
	sent := f.tr.Sent()
	if len(sent[0].Items) != 2 || sent[0].Items[0].ID != "B" || sent[0].Items[1].ID != "C" {
		t.Fatalf("expected [B C] in the batch, got %+v", sent[0].Items)
	}
}

// TestPipeline_RetryBudgetExhausted: three retryable failures against
// maxRetryAttempts=2 end in a discarded batch, never an infinite loop.
func TestPipeline_RetryBudgetExhausted(t *testing.T) {
	opts := testOptions()
	opts.BatchSize = 1
	opts.MaxRetryAttempts = 2
	tr := transport.NewMockTransport(
		&transport.RetryableError{Reason: "endpoint status 503"},
		&transport.RetryableError{Reason: "endpoint status 503"},
		&transport.RetryableError{Reason: "endpoint status 503"},
	)
	f := newFixture(t, opts, tr)

	submit(t, f.p, "only", domain.PriorityNormal)

	ev := waitEvent(t, f.p.Events(), domain.EventDiscarded)
	if ev.Reason != domain.ReasonRetryBudgetExhausted {
		t.Fatalf("expected retry_budget_exhausted, got %s", ev.Reason)
	}
	if got := f.tr.SendCount(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	waitStoreEmpty(t, f.st)
}

func TestPipeline_PermanentFailureDiscardsImmediately(t *testing.T) {
	opts := testOptions()
	opts.BatchSize = 1
	tr := transport.NewMockTransport(&transport.PermanentError{Reason: "endpoint status 400"})
	f := newFixture(t, opts, tr)

	submit(t, f.p, "bad", domain.PriorityNormal)

	ev := waitEvent(t, f.p.Events(), domain.EventDiscarded)
	if ev.Reason != domain.ReasonPermanentFailure {
		t.Fatalf("expected permanent_failure, got %s", ev.Reason)
	}
	if got := f.tr.SendCount(); got != 1 {
		t.Fatalf("permanent failures must not be retried, got %d attempts", got)
	}
}

// TestPipeline_RetryPersistsBatch: a batch waiting out its backoff is in
// the durable store, so a crash before the timer fires loses nothing.
func TestPipeline_RetryPersistsBatch(t *testing.T) {
	opts := testOptions()
	opts.BatchSize = 1
	opts.BaseDelay = 200 * time.Millisecond // long enough to observe the persisted state
	opts.MaxDelay = 400 * time.Millisecond
	tr := transport.NewMockTransport(&transport.RetryableError{Reason: "timeout"})
	f := newFixture(t, opts, tr)

	submit(t, f.p, "i1", domain.PriorityNormal)

	deadline := time.Now().Add(2 * time.Second)
	for f.st.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("retrying batch never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Second attempt succeeds; the persisted record must be cleaned up.
	waitEvent(t, f.p.Events(), domain.EventDelivered)
	waitStoreEmpty(t, f.st)
}

// TestPipeline_RevokeDuringRetryDiscardsWithoutSend: closing the gate while
// a batch waits out its backoff discards it; the transport is never called
// again.
func TestPipeline_RevokeDuringRetryDiscardsWithoutSend(t *testing.T) {
	opts := testOptions()
	opts.BatchSize = 1
	opts.BaseDelay = 100 * time.Millisecond
	opts.MaxDelay = 200 * time.Millisecond
	tr := transport.NewMockTransport(&transport.RetryableError{Reason: "timeout"})
	f := newFixture(t, opts, tr)

	submit(t, f.p, "i1", domain.PriorityNormal)

	// Wait until the first attempt has failed and the batch is retrying.
	deadline := time.Now().Add(2 * time.Second)
	for f.tr.SendCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first attempt never happened")
		}
		time.Sleep(2 * time.Millisecond)
	}

	f.g.SetAllowed(false)

	ev := waitEvent(t, f.p.Events(), domain.EventDiscarded)
	if ev.Reason != domain.ReasonAdmissionRevoked {
		t.Fatalf("expected admission_revoked, got %s", ev.Reason)
	}

	// Give any stray timer a chance to fire, then confirm no second send.
	time.Sleep(300 * time.Millisecond)
	if got := f.tr.SendCount(); got != 1 {
		t.Fatalf("expected no send after revocation, got %d total", got)
	}
	waitStoreEmpty(t, f.st)
}

func TestPipeline_RevokeDiscardsQueuedItems(t *testing.T) {
	f := newFixture(t, testOptions(), transport.NewMockTransport())

	submit(t, f.p, "q1", domain.PriorityNormal)
	submit(t, f.p, "q2", domain.PriorityNormal)

	f.g.SetAllowed(false)

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.g.SetAllowed(true) // reopen so Stats path is exercised post-revoke
		stats, err := f.p.Stats(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if stats.QueueCritical+stats.QueueNormal == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue not purged after revoke: %+v", stats)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if f.tr.SendCount() != 0 {
		t.Fatal("revoked items must never reach the transport")
	}
}

// TestPipeline_RetainPolicyRevokeDuringRetry: with DiscardOnRevoke off, a
// revocation leaves a retrying batch in place — but the gate re-check before
// the send still wins: the next timer fire discards with admission_revoked
// and the transport is never called again.
func TestPipeline_RetainPolicyRevokeDuringRetry(t *testing.T) {
	opts := testOptions()
	opts.BatchSize = 1
	opts.BaseDelay = 100 * time.Millisecond
	opts.MaxDelay = 200 * time.Millisecond
	opts.DiscardOnRevoke = false
	tr := transport.NewMockTransport(&transport.RetryableError{Reason: "timeout"})
	f := newFixture(t, opts, tr)

	submit(t, f.p, "i1", domain.PriorityNormal)

	// Wait until the first attempt has failed and the batch is retrying.
	deadline := time.Now().Add(2 * time.Second)
	for f.tr.SendCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first attempt never happened")
		}
		time.Sleep(2 * time.Millisecond)
	}

	f.g.SetAllowed(false)

	ev := waitEvent(t, f.p.Events(), domain.EventDiscarded)
	if ev.Reason != domain.ReasonAdmissionRevoked {
		t.Fatalf("expected admission_revoked at timer fire, got %s", ev.Reason)
	}
	if got := f.tr.SendCount(); got != 1 {
		t.Fatalf("expected no send after revocation, got %d total", got)
	}
	waitStoreEmpty(t, f.st)
}

// TestPipeline_RetainPolicyKeepsQueuedItems: with DiscardOnRevoke off, a
// revocation leaves queued items untouched; a flush while the gate is closed
// sends nothing, and reopening the gate delivers them all.
func TestPipeline_RetainPolicyKeepsQueuedItems(t *testing.T) {
	opts := testOptions()
	opts.DiscardOnRevoke = false
	f := newFixture(t, opts, transport.NewMockTransport())

	submit(t, f.p, "q1", domain.PriorityNormal)
	submit(t, f.p, "q2", domain.PriorityNormal)

	f.g.SetAllowed(false)

	// A flush with the gate closed neither delivers nor drops the queue.
	if err := f.p.FlushNow(context.Background()); err != nil {
		t.Fatalf("flush while closed: %v", err)
	}
	stats, err := f.p.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.QueueCritical+stats.QueueNormal != 2 {
		t.Fatalf("queued items must survive the revoke, got %+v", stats)
	}
	if f.tr.SendCount() != 0 {
		t.Fatal("nothing may reach the transport while the gate is closed")
	}

	f.g.SetAllowed(true)
	if err := f.p.FlushNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, f.p.Events(), domain.EventDelivered)
	sent := f.tr.Sent()
	if len(sent) != 1 || len(sent[0].Items) != 2 {
		t.Fatalf("expected the retained items delivered after reopen, got %+v", sent)
	}
	if sent[0].Items[0].ID != "q1" || sent[0].Items[1].ID != "q2" {
		t.Fatalf("retained items out of order: %+v", sent[0].Items)
	}
}

// TestPipeline_ShutdownPersistsQueuedItems: a clean shutdown cuts whatever
// is queued into batches and persists them before returning.
func TestPipeline_ShutdownPersistsQueuedItems(t *testing.T) {
	st := store.NewMockStore()
	g := gate.New(true)
	p := pipeline.New(g, st, transport.NewMockTransport(), nil, zap.NewNop(), testOptions(), pipeline.Hooks{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Submit(domain.SubmitRequest{ID: "s1", Priority: domain.PriorityNormal, Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Submit(domain.SubmitRequest{ID: "s2", Priority: domain.PriorityCritical, Payload: []byte("y")}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if st.Len() != 1 {
		t.Fatalf("expected 1 persisted batch, got %d", st.Len())
	}
	batches, _ := st.LoadAll(context.Background())
	if len(batches[0].Items) != 2 {
		t.Fatalf("expected both items persisted, got %d", len(batches[0].Items))
	}
}

func TestPipeline_ShutdownSurfacesStoreFailure(t *testing.T) {
	st := store.NewMockStore()
	st.AppendErr = errors.New("disk full")
	g := gate.New(true)
	p := pipeline.New(g, st, transport.NewMockTransport(), nil, zap.NewNop(), testOptions(), pipeline.Hooks{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Submit(domain.SubmitRequest{ID: "s1", Priority: domain.PriorityNormal, Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Shutdown(ctx)
	if !errors.Is(err, domain.ErrStoreFailure) {
		t.Fatalf("expected ErrStoreFailure from shutdown, got %v", err)
	}
}

// TestPipeline_StartReloadsPersistedBatches: batches found in the store at
// startup re-enter retrying with their attempt count intact, deliver, and
// are cleaned out of the store.
func TestPipeline_StartReloadsPersistedBatches(t *testing.T) {
	st := store.NewMockStore()
	persisted := domain.NewBatch("old-batch", []domain.Item{
		{ID: "p1", Priority: domain.PriorityNormal, Payload: []byte("x"), CreatedAt: time.Now().UTC()},
	})
	persisted.Attempt = 2
	if err := st.Append(context.Background(), persisted); err != nil {
		t.Fatal(err)
	}

	tr := transport.NewMockTransport()
	g := gate.New(true)
	p := pipeline.New(g, st, tr, nil, zap.NewNop(), testOptions(), pipeline.Hooks{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	ev := waitEvent(t, p.Events(), domain.EventDelivered)
	if ev.BatchID != "old-batch" {
		t.Fatalf("expected reloaded batch delivered, got %s", ev.BatchID)
	}

	sent := tr.Sent()
	if len(sent) != 1 || sent[0].Attempt != 2 {
		t.Fatalf("attempt count must be preserved across restart, got %+v", sent)
	}
	waitStoreEmpty(t, st)
}

func TestPipeline_SubmitAfterShutdownFails(t *testing.T) {
	st := store.NewMockStore()
	g := gate.New(true)
	p := pipeline.New(g, st, transport.NewMockTransport(), nil, zap.NewNop(), testOptions(), pipeline.Hooks{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := p.Submit(domain.SubmitRequest{Priority: domain.PriorityNormal, Payload: []byte("x")})
	if !errors.Is(err, domain.ErrPipelineClosed) {
		t.Fatalf("expected ErrPipelineClosed, got %v", err)
	}
}
