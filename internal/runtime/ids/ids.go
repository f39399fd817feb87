// Package ids generates the identifiers used by the runtime core. Envelope
// trace ids are monotonic ULIDs so concurrent sends from one session remain
// time-sortable in logs.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewTraceID returns a time-sortable ULID encoded as a 26-character string.
// Trace ids are globally unique per logical send and stable across
// re-broadcast; the dispatcher keys its dedup cache on them.
func NewTraceID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}
