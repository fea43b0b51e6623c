package queue

import (
	"github.com/beaconhq/event-pipeline/internal/domain"
)

// BoundedQueue is the in-memory holding area between producers and the
// batch cutter. It keeps two FIFO lanes, one per priority, with a hard
// capacity across both.
//
// Eviction on a full queue:
//
//	normal in   → oldest normal out; if no normal exists, push fails closed
//	critical in → oldest normal out, but only while the critical lane holds
//	              fewer than criticalReserve items; beyond the reserve a
//	              critical push fails closed too
//
// A failed-closed push is a deliberate backpressure signal: the producer is
// told the enqueue did not happen instead of the queue silently dropping.
//
// BoundedQueue is not safe for concurrent use. All calls must come from the
// pipeline's owner goroutine, which serialises every queue mutation.
type BoundedQueue struct {
	capacity        int
	criticalReserve int

	critical []entry
	normal   []entry

	// ids holds every queued item ID so duplicate submissions are rejected
	// before they can shadow an earlier item.
	ids map[string]struct{}

	// seq is a monotone counter stamped on every accepted entry; the entry
	// with the smallest seq is the oldest item regardless of lane.
	seq uint64
}

type entry struct {
	item domain.Item
	seq  uint64
}

// PushResult reports the outcome of a Push. Accepted and EvictedID are
// independent: an accepted push may still have displaced an older item.
type PushResult struct {
	Accepted  bool
	EvictedID string
	Err       error
}

// New creates a BoundedQueue holding at most capacity items, of which at
// most criticalReserve may be critical items admitted through eviction.
func New(capacity, criticalReserve int) *BoundedQueue {
	if criticalReserve > capacity {
		criticalReserve = capacity
	}
	return &BoundedQueue{
		capacity:        capacity,
		criticalReserve: criticalReserve,
		ids:             make(map[string]struct{}, capacity),
	}
}

// Push appends item to its priority lane, evicting if the queue is full.
func (q *BoundedQueue) Push(item domain.Item) PushResult {
	if _, dup := q.ids[item.ID]; dup {
		return PushResult{Err: domain.ErrDuplicateID}
	}

	var evicted string
	if q.Len() >= q.capacity {
		switch item.Priority {
		case domain.PriorityCritical:
			if len(q.critical) >= q.criticalReserve {
				return PushResult{Err: domain.ErrQueueFull}
			}
			fallthrough
		default:
			if len(q.normal) == 0 {
				return PushResult{Err: domain.ErrQueueFull}
			}
			evicted = q.evictOldestNormal()
		}
	}

	q.seq++
	e := entry{item: item, seq: q.seq}
	if item.Priority == domain.PriorityCritical {
		q.critical = append(q.critical, e)
	} else {
		q.normal = append(q.normal, e)
	}
	q.ids[item.ID] = struct{}{}

	return PushResult{Accepted: true, EvictedID: evicted}
}

func (q *BoundedQueue) evictOldestNormal() string {
	e := q.normal[0]
	q.normal = q.normal[1:]
	delete(q.ids, e.item.ID)
	return e.item.ID
}

// DrainUpTo removes and returns up to n items. Critical items come first
// (FIFO within the lane) so a batch cut never starves them; normal items
// follow in submission order.
func (q *BoundedQueue) DrainUpTo(n int) []domain.Item {
	if n <= 0 {
		return nil
	}
	out := make([]domain.Item, 0, min(n, q.Len()))
	for len(out) < n && len(q.critical) > 0 {
		e := q.critical[0]
		q.critical = q.critical[1:]
		delete(q.ids, e.item.ID)
		out = append(out, e.item)
	}
	for len(out) < n && len(q.normal) > 0 {
		e := q.normal[0]
		q.normal = q.normal[1:]
		delete(q.ids, e.item.ID)
		out = append(out, e.item)
	}
	return out
}

// DiscardAll empties the queue and returns the IDs of everything dropped.
// Used when the admission gate is revoked.
func (q *BoundedQueue) DiscardAll() []string {
	dropped := make([]string, 0, q.Len())
	for _, e := range q.critical {
		dropped = append(dropped, e.item.ID)
	}
	for _, e := range q.normal {
		dropped = append(dropped, e.item.ID)
	}
	q.critical = q.critical[:0]
	q.normal = q.normal[:0]
	clear(q.ids)
	return dropped
}

// Len returns the number of queued items across both lanes.
func (q *BoundedQueue) Len() int {
	return len(q.critical) + len(q.normal)
}

// Depths returns the per-lane item counts for the stats snapshot.
func (q *BoundedQueue) Depths() (critical, normal int) {
	return len(q.critical), len(q.normal)
}

// PeekOldest returns (without removing) the item that has been queued the
// longest, across both lanes.
func (q *BoundedQueue) PeekOldest() (domain.Item, bool) {
	switch {
	case len(q.critical) == 0 && len(q.normal) == 0:
		return domain.Item{}, false
	case len(q.critical) == 0:
		return q.normal[0].item, true
	case len(q.normal) == 0:
		return q.critical[0].item, true
	case q.critical[0].seq < q.normal[0].seq:
		return q.critical[0].item, true
	default:
		return q.normal[0].item, true
	}
}
