package app

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/alfredjeanlab/wakurelay/internal/relay"
	"github.com/alfredjeanlab/wakurelay/internal/transport"
)

// Health is the body of GET /healthz.
type Health struct {
	Status    string           `json:"status"`
	Pipelines []PipelineHealth `json:"pipelines"`
	Transport *transport.Stats `json:"transport,omitempty"`
}

// PipelineHealth is one direction's status plus its restart count.
type PipelineHealth struct {
	relay.Status
	Restarts int64 `json:"restarts"`
}

func (a *App) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	return otelhttp.NewHandler(mux, "wakurelay")
}

// Health reports pipeline states and watermarks. The relay is degraded
// while the transport is disconnected or any pipeline has stopped.
func (a *App) Health() Health {
	h := Health{Status: "ok"}
	for _, r := range a.runners {
		st := r.Status()
		if st.State == relay.StateStopped {
			h.Status = "degraded"
		}
		h.Pipelines = append(h.Pipelines, PipelineHealth{Status: st, Restarts: r.restarts.Load()})
	}
	if a.comp.Transport != nil {
		stats := a.comp.Transport.Stats()
		h.Transport = &stats
		if !stats.Connected {
			h.Status = "degraded"
		}
	}
	return h
}

// handleHealth handles GET /healthz.
func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := a.Health()
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
