package agent

import (
	"sync"
	"time"

	"github.com/sagernet/fakecert/adapter"
	C "github.com/sagernet/fakecert/constant"
	"github.com/sagernet/fakecert/wire"
)

type indexKey struct {
	service C.ServiceType
	usage   C.CertUsage
	host    string
}

// cacheEntry outlives its TTL: an expired entry stays in the map as a
// stale fallback until a refresh replaces it.
type cacheEntry struct {
	pair      *adapter.FakeCertPair
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// pendingQuery is the single outstanding wire request for an index key.
// All concurrent fetchers of that key wait on done; the first response
// or the final timeout completes them all.
type pendingQuery struct {
	key     indexKey
	request *wire.Request
	payload []byte
	once    sync.Once
	done    chan struct{}

	pair *adapter.FakeCertPair
	err  error
}

// complete is idempotent; a shutdown and a late response may race to
// resolve the same query.
func (q *pendingQuery) complete(pair *adapter.FakeCertPair, err error) {
	q.once.Do(func() {
		q.pair = pair
		q.err = err
		close(q.done)
	})
}
