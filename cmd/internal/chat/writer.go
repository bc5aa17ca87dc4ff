package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"parley/cmd/internal/metrics"
	"parley/cmd/internal/shutdown"
)

// flushTimeout bounds a single durable write so a stalled database cannot
// wedge the writer forever.
const flushTimeout = 10 * time.Second

// writer buffers IMs and flushes them to durable storage on whichever fires
// first: the buffer reaching maxCount or maxAge elapsing since the last
// save. The last-save clock resets on every flush and when the buffer goes
// from empty to non-empty.
type writer struct {
	log     *slog.Logger
	store   MessageStore
	metrics *metrics.Metrics

	queue    <-chan IM
	buf      []IM
	lastSave time.Time
	maxCount int
	maxAge   time.Duration
}

// run is the writer loop. Cancellation performs one final flush and exits
// cleanly; the inbound queue closing (producer gone) also flushes but exits
// as a fault, since the broker should outlive its writer.
func (w *writer) run(tok shutdown.Token) error {
	timer := time.NewTimer(w.maxAge)
	defer timer.Stop()

	for {
		// Only arm the deadline while there is something to save.
		var deadline <-chan time.Time
		if len(w.buf) > 0 {
			resetTimer(timer, w.untilFlushDeadline())
			deadline = timer.C
		}

		select {
		case <-tok.Done():
			w.flush("cancellation")
			w.log.Info("writer.stop", "reason", "cancellation")
			return nil

		case im, ok := <-w.queue:
			if !ok {
				w.flush("queue closed")
				return errors.New("chat: writer queue closed while running")
			}
			if len(w.buf) == 0 {
				// Buffer was empty; no point counting idle time against it.
				w.lastSave = time.Now()
			}
			w.buf = append(w.buf, im)
			if len(w.buf) >= w.maxCount {
				w.flush("buffer full")
			}

		case <-deadline:
			w.flush("time")
		}
	}
}

// untilFlushDeadline returns how long until the age trigger fires. An
// already-passed deadline fires immediately; flush resets the clock so this
// cannot spin.
func (w *writer) untilFlushDeadline() time.Duration {
	left := time.Until(w.lastSave.Add(w.maxAge))
	if left < 0 {
		left = 0
	}
	return left
}

// flush writes the buffered batch. Failures are logged and the batch is
// discarded either way: at-most-once persistence, trading durability for
// availability under sustained database trouble.
func (w *writer) flush(reason string) {
	w.lastSave = time.Now()
	if len(w.buf) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	n := len(w.buf)
	if err := w.store.SaveBatch(ctx, w.buf); err != nil {
		w.log.Error("writer.flush.fail", "reason", reason, "count", n, "err", err)
		w.metrics.FlushFailures.Inc()
	} else {
		w.log.Info("writer.flush", "reason", reason, "count", n)
		w.metrics.MessagesFlushed.Add(float64(n))
	}
	w.metrics.FlushTotal.WithLabelValues(reason).Inc()

	w.buf = w.buf[:0]
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
