package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/attribution/internal/metrics"
	"github.com/gosight/gosight/attribution/internal/watermark"
)

// MetricsSource is implemented by metrics.Registry
type MetricsSource interface {
	Snapshot() metrics.Snapshot
	Gatherer() prometheus.Gatherer
}

// WatermarkSource is implemented by watermark.Tracker
type WatermarkSource interface {
	Snapshot() []watermark.PartitionWatermark
	AllowedLateness() time.Duration
}

// StatsResponse is the body of /stats
type StatsResponse struct {
	metrics.Snapshot
	AllowedLateness string                         `json:"allowed_lateness"`
	Watermarks      []watermark.PartitionWatermark `json:"watermarks"`
}

type Handler struct {
	metrics    MetricsSource
	watermarks WatermarkSource
}

func NewHandler(m MetricsSource, w WatermarkSource) *Handler {
	return &Handler{metrics: m, watermarks: w}
}

// Router returns the HTTP routes of the processor
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", HealthCheck)
	r.Get("/stats", h.Stats)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.metrics.Gatherer(), promhttp.HandlerOpts{}))
	return r
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	watermarks := h.watermarks.Snapshot()
	if watermarks == nil {
		watermarks = []watermark.PartitionWatermark{}
	}
	writeJSON(w, StatsResponse{
		Snapshot:        h.metrics.Snapshot(),
		AllowedLateness: h.watermarks.AllowedLateness().String(),
		Watermarks:      watermarks,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
