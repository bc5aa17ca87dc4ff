package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"parley/cmd/internal/metrics"
	"parley/cmd/internal/shutdown"
	"parley/cmd/internal/wsauth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func testSession(user string) *wsauth.SessionInfo {
	return &wsauth.SessionInfo{Username: user, DisplayName: user}
}

// testShutdown returns a Token cancelled (and drained) on test cleanup.
func testShutdown(t *testing.T) shutdown.Token {
	t.Helper()
	tok, tracker := shutdown.New(context.Background())
	t.Cleanup(func() {
		tracker.Cancel()
		if !tracker.Wait(5 * time.Second) {
			t.Errorf("tracked tasks did not drain")
		}
	})
	return tok
}

// recordingStore captures saved batches and can be forced to fail.
type recordingStore struct {
	mu      sync.Mutex
	batches [][]IM
	failing bool
}

var errStoreDown = errors.New("store down")

func (s *recordingStore) SaveBatch(_ context.Context, ims []IM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreDown
	}
	batch := make([]IM, len(ims))
	copy(batch, ims)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingStore) RecentBefore(_ context.Context, latest Timestamp, limit int) ([]IM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errStoreDown
	}
	var out []IM
	for i := len(s.batches) - 1; i >= 0 && len(out) < limit; i-- {
		for j := len(s.batches[i]) - 1; j >= 0 && len(out) < limit; j-- {
			if s.batches[i][j].Timestamp <= latest {
				out = append(out, s.batches[i][j])
			}
		}
	}
	return out, nil
}

func (s *recordingStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *recordingStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *recordingStore) allSaved() []IM {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []IM
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
