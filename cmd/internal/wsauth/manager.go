// Package wsauth gates WebSocket admission: it issues single-use tokens to
// already-authenticated HTTP callers and validates them during the upgrade
// handshake, without relying on cookies.
package wsauth

import (
	"log/slog"
	"sync"
	"time"
)

// ServiceID distinguishes the WebSocket services sharing one TokenManager.
type ServiceID uint8

// ChatService is the only service currently registered.
const ChatService ServiceID = 1

// HostID identifies the calling host as seen by the server (real-IP header
// or peer address).
type HostID string

type authRecord struct {
	timestamp time.Time
	hostID    HostID
	session   *SessionInfo
	serviceID ServiceID
	token     Token
}

// TokenManager holds outstanding admission tokens.
//
// The working set is small (one record per pending upgrade) so a slice under
// a mutex beats anything fancier. State is in-memory only: running more than
// one process would need this moved to shared storage.
type TokenManager struct {
	log            *slog.Logger
	recordLifetime time.Duration

	// Overridable in tests.
	now func() time.Time

	mu      sync.Mutex
	records []authRecord
}

// NewTokenManager constructs a manager whose records expire after recordLifetime.
func NewTokenManager(log *slog.Logger, recordLifetime time.Duration) *TokenManager {
	return &TokenManager{
		log:            log,
		recordLifetime: recordLifetime,
		now:            time.Now,
	}
}

// RecordLifetime reports how long an issued token stays valid. The handshake
// uses it to bound the wait for the token frame.
func (m *TokenManager) RecordLifetime() time.Duration { return m.recordLifetime }

// RecordToken stores a freshly issued token. Multiple outstanding tokens per
// host are allowed: several tabs may be opening sockets in parallel.
func (m *TokenManager) RecordToken(hostID HostID, serviceID ServiceID, session *SessionInfo, token Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeStaleLocked()
	m.records = append(m.records, authRecord{
		timestamp: m.now(),
		hostID:    hostID,
		session:   session,
		serviceID: serviceID,
		token:     token,
	})
}

// IsExpectedHost reports whether any live record exists for (hostID,
// serviceID). It is a cheap pre-screen before allocating socket resources,
// not authentication.
func (m *TokenManager) IsExpectedHost(hostID HostID, serviceID ServiceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeStaleLocked()
	for _, rec := range m.records {
		if rec.hostID == hostID && rec.serviceID == serviceID {
			return true
		}
	}
	return false
}

// ValidateToken consumes a matching record and returns its session info.
// The token is unusable afterwards. A miss leaves state unchanged and is not
// an error-level event: invalid tokens are expected under misuse.
func (m *TokenManager) ValidateToken(hostID HostID, serviceID ServiceID, token Token) (*SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeStaleLocked()
	for i, rec := range m.records {
		if rec.hostID == hostID && rec.serviceID == serviceID && rec.token == token {
			// Order-independent removal; insertion order carries no meaning.
			last := len(m.records) - 1
			m.records[i] = m.records[last]
			m.records = m.records[:last]
			return rec.session, true
		}
	}
	return nil, false
}

// purgeStaleLocked drops expired records. A record dated in the future is
// not trusted either: it is logged and discarded rather than kept alive
// indefinitely.
func (m *TokenManager) purgeStaleLocked() {
	now := m.now()

	kept := m.records[:0]
	for _, rec := range m.records {
		if rec.timestamp.After(now) {
			m.log.Warn("wsauth.record.future_timestamp",
				"record_ts", rec.timestamp, "now", now, "host", string(rec.hostID))
			continue
		}
		if now.Sub(rec.timestamp) > m.recordLifetime {
			continue
		}
		kept = append(kept, rec)
	}

	// Zero the tail so consumed sessions are not pinned by the backing array.
	for i := len(kept); i < len(m.records); i++ {
		m.records[i] = authRecord{}
	}
	m.records = kept
}
