package transport

import (
	"context"
	"sync"

	"github.com/beaconhq/event-pipeline/internal/domain"
)

// MockTransport is a hand-written, in-memory Transport used in unit tests.
// Each Send pops the next scripted outcome; once the script is exhausted
// every further Send succeeds.
type MockTransport struct {
	mu      sync.Mutex
	script  []error
	sent    []*domain.Batch
	blockCh chan struct{}
}

func NewMockTransport(script ...error) *MockTransport {
	return &MockTransport{script: script}
}

// Block makes every subsequent Send wait until Unblock is called. Used to
// hold a batch in the Sending state across a test step.
func (m *MockTransport) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockCh = make(chan struct{})
}

func (m *MockTransport) Unblock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blockCh != nil {
		close(m.blockCh)
		m.blockCh = nil
	}
}

func (m *MockTransport) Send(ctx context.Context, b *domain.Batch) error {
	m.mu.Lock()
	// Record a copy so tests can assert on what was sent.
	clone := *b
	clone.Items = append([]domain.Item(nil), b.Items...)
	m.sent = append(m.sent, &clone)

	var outcome error
	if len(m.script) > 0 {
		outcome = m.script[0]
		m.script = m.script[1:]
	}
	ch := m.blockCh
	m.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return &RetryableError{Reason: "send cancelled", Err: ctx.Err()}
		}
	}
	return outcome
}

// Sent returns every batch passed to Send, in call order.
func (m *MockTransport) Sent() []*domain.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Batch(nil), m.sent...)
}

// SendCount returns how many times Send has been called.
func (m *MockTransport) SendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

var _ Transport = (*MockTransport)(nil)
