package wsauth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"parley/cmd/internal/metrics"
)

// TokenHandler issues admission tokens to authenticated callers.
//
// It is mounted as POST on the same path whose GET performs the upgrade, so
// a client can derive one URL from the other.
type TokenHandler struct {
	log      *slog.Logger
	manager  *TokenManager
	resolver SessionResolver
	service  ServiceID
	metrics  *metrics.Metrics
}

// NewTokenHandler wires the token-issuing endpoint.
func NewTokenHandler(log *slog.Logger, manager *TokenManager, resolver SessionResolver, service ServiceID, m *metrics.Metrics) *TokenHandler {
	return &TokenHandler{log: log, manager: manager, resolver: resolver, service: service, metrics: m}
}

// ServeHTTP returns a freshly generated token bound to (caller host,
// service, session) as a JSON string.
func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, err := h.resolver.Resolve(r)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			h.log.Error("wsauth.token.resolve_fail", "err", err)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	token, err := NewToken()
	if err != nil {
		h.log.Error("wsauth.token.generate_fail", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	hostID := ClientHost(r)
	h.manager.RecordToken(hostID, h.service, session, token)
	h.metrics.TokensIssued.Inc()

	h.log.Info("wsauth.token.issued", "host", string(hostID), "user", session.Username)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(token); err != nil {
		h.log.Error("wsauth.token.write_fail", "err", err)
	}
}
