package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"cloudauth/cmd/internal/auth/refresher"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// tokenStatus is the JSON body of /readyz.
type tokenStatus struct {
	Initialized bool       `json:"initialized"`
	HasToken    bool       `json:"has_token"`
	Refreshing  bool       `json:"refreshing"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func registerHTTP(mux *http.ServeMux, log *slog.Logger, tokens *refresher.Refresher, gatherer prometheus.Gatherer) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	// Ready means a usable access token is held right now.
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		st, err := tokens.Status(r.Context())
		if err != nil {
			log.Info("readyz.refresher.unavailable", "err", err)
			http.Error(w, "refresher unavailable", http.StatusServiceUnavailable)
			return
		}

		body := tokenStatus{
			Initialized: st.Initialized,
			HasToken:    st.HasToken,
			Refreshing:  st.Refreshing,
		}
		if !st.ExpiresAt.IsZero() {
			exp := st.ExpiresAt.UTC()
			body.ExpiresAt = &exp
		}

		code := http.StatusOK
		if !st.HasToken {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, body)
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
