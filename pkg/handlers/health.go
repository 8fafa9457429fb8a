package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-identity/pkg/config"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	Service          string `json:"service"`
	GoVersion        string `json:"go_version"`
	Hostname         string `json:"hostname"`
	Environment      string `json:"environment"`
	Database         string `json:"database"`
	SemanticMatching bool   `json:"semantic_matching"`
}

// HealthHandler handles health check, ping and metrics endpoints.
type HealthHandler struct {
	cfg      *config.Config
	db       Pinger
	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewHealthHandler creates a HealthHandler. db and registry may be nil.
func NewHealthHandler(cfg *config.Config, db Pinger, registry *prometheus.Registry, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, db: db, registry: registry, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
	if h.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{
			ErrorLog:      zap.NewStdLog(h.logger.Named("metrics")),
			ErrorHandling: promhttp.HTTPErrorOnError,
		}))
	}
}

// Health handles GET /health requests.
// Returns a simple "ok" status for load balancer health checks.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ping handles GET /ping requests. Responds 503 when the database is unreachable.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:           "ok",
		Version:          h.cfg.Version,
		Service:          "ekaya-identity",
		GoVersion:        runtime.Version(),
		Hostname:         hostname,
		Environment:      h.cfg.Env,
		Database:         "ok",
		SemanticMatching: h.cfg.Embedding.IsAvailable() && h.cfg.Resolution.EnableVectorSearch,
	}
	status := http.StatusOK

	if h.db == nil {
		response.Database = "not_configured"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("Database ping failed", zap.Error(err))
			response.Status = "degraded"
			response.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}

	if err := WriteJSON(w, status, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
