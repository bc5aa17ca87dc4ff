package chat

import (
	"errors"
	"log/slog"
	"time"

	"parley/cmd/internal/metrics"
	"parley/cmd/internal/shutdown"
)

// ErrPersistenceBacklog is returned by Push when the writer's queue is full.
// The broker treats it as fatal: a broker that cannot guarantee messages
// reach durable storage must not keep running silently degraded.
var ErrPersistenceBacklog = errors.New("chat: persistence queue full")

// writerQueueSize bounds the writer's inbound queue. Push fails loudly
// rather than blocking the broker when the writer falls this far behind.
const writerQueueSize = 256

// History is the bounded recent-message cache plus the handle to the
// asynchronous persistence writer. It is owned by the broker: only the
// broker loop mutates the ring.
type History struct {
	recent *ring
	queue  chan<- IM
}

// NewHistory builds the cache and starts the persistence writer as a
// tracked task under tok.
//
// capacity must exceed the writer's maxCount, otherwise messages can become
// unreachable to newly joined clients between flushes; config validation
// enforces this before we get here.
func NewHistory(log *slog.Logger, store MessageStore, m *metrics.Metrics, tok shutdown.Token, capacity, maxCount int, maxAge time.Duration) *History {
	queue := make(chan IM, writerQueueSize)

	w := &writer{
		log:      log,
		store:    store,
		metrics:  m,
		queue:    queue,
		maxCount: maxCount,
		maxAge:   maxAge,
		lastSave: time.Now(),
	}
	tok.Go("history-writer", log, w.run)

	return &History{
		recent: newRing(capacity),
		queue:  queue,
	}
}

// Push records an IM in the ring and enqueues it for durable write. It
// never blocks: a full persistence queue surfaces as ErrPersistenceBacklog.
func (h *History) Push(im IM) error {
	h.recent.push(im)

	select {
	case h.queue <- im:
		return nil
	default:
		return ErrPersistenceBacklog
	}
}

// Recent returns a point-in-time copy of the ring contents, oldest first.
func (h *History) Recent() []IM {
	return h.recent.snapshot()
}

// ring is a fixed-capacity buffer of IMs with oldest-first eviction.
type ring struct {
	buf   []IM
	start int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]IM, capacity)}
}

func (r *ring) push(im IM) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = im
		r.count++
		return
	}
	r.buf[r.start] = im
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) snapshot() []IM {
	out := make([]IM, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
