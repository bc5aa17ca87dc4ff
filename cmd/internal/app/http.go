package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parley/cmd/internal/chat"
	"parley/cmd/internal/wsauth"
)

// registerHTTP mounts all routes. The token-issuing POST and the upgrade
// GET share one path so a client can derive one URL from the other.
func (a *App) registerHTTP(mux *http.ServeMux, gateway *chat.Gateway) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && a.dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				a.log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	tokenHandler := wsauth.NewTokenHandler(a.log, a.tokens, a.resolver, wsauth.ChatService, a.metrics)
	mux.Handle("POST /ws/chat", tokenHandler)
	mux.Handle("GET /ws/chat", gateway)
}
