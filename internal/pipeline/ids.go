package pipeline

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Item IDs are ULIDs: time-sortable and globally unique, so producer-less
// submissions still dedupe cleanly and sort by creation time in logs.
var (
	entropyMu   sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// newItemID returns a fresh ULID string. Safe for concurrent use; the
// monotonic entropy source is not, hence the lock.
func newItemID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), monoEntropy).String()
}
