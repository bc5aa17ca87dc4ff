package wsauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/coder/websocket"
)

// Handshake errors. PreScreen failures are reported before any socket
// exists; the rest close the socket with an error status.
var (
	ErrUnexpectedHost = errors.New("wsauth: host has no outstanding token")
	ErrInvalidToken   = errors.New("wsauth: invalid admission token")
)

// ClientHost extracts the caller's host identifier. A trusted-proxy real-IP
// header wins; otherwise the peer address is used.
func ClientHost(r *http.Request) HostID {
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return HostID(v)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return HostID(r.RemoteAddr)
	}
	return HostID(host)
}

// PreScreen rejects upgrade attempts from hosts with no outstanding token
// before a socket session is allocated. This blunts unsolicited-connection
// abuse; it is not authentication.
func (m *TokenManager) PreScreen(hostID HostID, serviceID ServiceID) error {
	if !m.IsExpectedHost(hostID, serviceID) {
		return fmt.Errorf("%w: host %q service %d", ErrUnexpectedHost, string(hostID), serviceID)
	}
	return nil
}

// AwaitToken reads exactly one frame from a freshly accepted connection and
// validates it as an admission token. Anything other than a single text
// frame carrying a known token fails: binary frames, stream end, timeout.
// The wait is bounded by the record lifetime since an older token could not
// validate anyway.
func (m *TokenManager) AwaitToken(ctx context.Context, conn *websocket.Conn, hostID HostID, serviceID ServiceID) (*SessionInfo, error) {
	readCtx, cancel := context.WithTimeout(ctx, m.recordLifetime)
	defer cancel()

	typ, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("reading token frame from %q: %w", string(hostID), err)
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("%w: expected text frame, got %v", ErrInvalidToken, typ)
	}

	session, ok := m.ValidateToken(hostID, serviceID, Token(data))
	if !ok {
		return nil, fmt.Errorf("%w: host %q", ErrInvalidToken, string(hostID))
	}
	return session, nil
}
