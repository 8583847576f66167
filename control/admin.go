package control

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewAdminRouter builds the server's observational HTTP surface: /healthz, /metrics
// (Prometheus), and /stats (JSON dump of stats), grounded on the teacher's
// cmd/relay-server/admin.go route-dispatch style and its localhost-only JSON stats endpoint.
// This surface is purely observational and never gates the keying path (spec section 6.1).
func NewAdminRouter(reg *prometheus.Registry, stats *Stats) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats.Snapshot())
	})

	return r
}
