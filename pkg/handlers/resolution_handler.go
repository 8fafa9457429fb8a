package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-identity/pkg/models"
	"github.com/ekaya-inc/ekaya-identity/pkg/services"
)

// ResolveRequest for POST .../applications/resolve
type ResolveRequest struct {
	ApplicationNames []string `json:"application_names"`
	models.ResolveOptions
	Attributes *models.ApplicationAttributes `json:"attributes,omitempty"`
}

// BulkResolveRequest for POST .../applications/resolve/bulk
type BulkResolveRequest struct {
	Applications  []string `json:"applications"`
	CorrelationID string   `json:"collection_correlation_id,omitempty"`
	BatchSize     int      `json:"batch_size,omitempty"`
	models.ResolveOptions
}

// ResolutionHandler serves the resolution endpoints.
type ResolutionHandler struct {
	service services.ResolutionService
	logger  *zap.Logger
}

// NewResolutionHandler creates a new resolution handler.
func NewResolutionHandler(service services.ResolutionService, logger *zap.Logger) *ResolutionHandler {
	return &ResolutionHandler{
		service: service,
		logger:  logger.Named("resolution_handler"),
	}
}

// RegisterRoutes registers the resolution routes on the given mux.
func (h *ResolutionHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	base := "/api/accounts/{aid}/engagements/{eid}/applications"

	mux.HandleFunc("POST "+base+"/resolve", tenantMiddleware(h.Resolve))
	mux.HandleFunc("POST "+base+"/resolve/bulk", tenantMiddleware(h.ResolveBulk))
}

// Resolve handles POST /api/accounts/{aid}/engagements/{eid}/applications/resolve
func (h *ResolutionHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	scope, ok := ParseTenantScope(w, r, h.logger)
	if !ok {
		return
	}
	actor, ok := ParseActor(w, r, h.logger)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	out, err := h.service.ResolveNames(r.Context(), scope, actor, services.ResolveNamesRequest{
		Names:      req.ApplicationNames,
		Options:    &req.ResolveOptions,
		Attributes: req.Attributes,
	})
	if err != nil {
		writeServiceError(w, err, "resolve_failed", h.logger)
		return
	}

	writeOK(w, http.StatusOK, out, h.logger)
}

// ResolveBulk handles POST /api/accounts/{aid}/engagements/{eid}/applications/resolve/bulk
func (h *ResolutionHandler) ResolveBulk(w http.ResponseWriter, r *http.Request) {
	scope, ok := ParseTenantScope(w, r, h.logger)
	if !ok {
		return
	}
	actor, ok := ParseActor(w, r, h.logger)
	if !ok {
		return
	}

	var req BulkResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	out, err := h.service.ResolveBulk(r.Context(), scope, actor, services.BulkRequest{
		Names:         req.Applications,
		BatchSize:     req.BatchSize,
		CorrelationID: req.CorrelationID,
		Options:       &req.ResolveOptions,
	})
	if err != nil {
		writeServiceError(w, err, "bulk_resolve_failed", h.logger)
		return
	}

	writeOK(w, http.StatusOK, out, h.logger)
}
