package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-identity/pkg/models"
	"github.com/ekaya-inc/ekaya-identity/pkg/services"
)

// CanonicalListResponse for GET .../applications
type CanonicalListResponse struct {
	Applications []*models.CanonicalIdentity `json:"applications"`
	Total        int                         `json:"total"`
	Limit        int                         `json:"limit"`
	Offset       int                         `json:"offset"`
}

// PendingVariantsResponse for GET .../variants/pending
type PendingVariantsResponse struct {
	Variants []*models.NameVariant `json:"variants"`
	Total    int                   `json:"total"`
}

// CurationHandler serves registry browsing and confirmation endpoints.
type CurationHandler struct {
	service services.CurationService
	logger  *zap.Logger
}

// NewCurationHandler creates a new curation handler.
func NewCurationHandler(service services.CurationService, logger *zap.Logger) *CurationHandler {
	return &CurationHandler{
		service: service,
		logger:  logger.Named("curation_handler"),
	}
}

// RegisterRoutes registers the curation routes on the given mux.
func (h *CurationHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	base := "/api/accounts/{aid}/engagements/{eid}"

	mux.HandleFunc("GET "+base+"/applications", tenantMiddleware(h.List))
	mux.HandleFunc("GET "+base+"/applications/{cid}", tenantMiddleware(h.Get))
	mux.HandleFunc("POST "+base+"/applications/{cid}/verify", tenantMiddleware(h.Verify))
	mux.HandleFunc("GET "+base+"/variants/pending", tenantMiddleware(h.ListPending))
	mux.HandleFunc("POST "+base+"/variants/{vid}/confirm", tenantMiddleware(h.ConfirmVariant))
}

// List handles GET /api/accounts/{aid}/engagements/{eid}/applications?limit=&offset=
func (h *CurationHandler) List(w http.ResponseWriter, r *http.Request) {
	scope, ok := ParseTenantScope(w, r, h.logger)
	if !ok {
		return
	}
	limit, ok := parseIntQuery(w, r, "limit", services.DefaultListLimit, h.logger)
	if !ok {
		return
	}
	offset, ok := parseIntQuery(w, r, "offset", 0, h.logger)
	if !ok {
		return
	}

	list, err := h.service.ListCanonicals(r.Context(), scope, limit, offset)
	if err != nil {
		writeServiceError(w, err, "list_applications_failed", h.logger)
		return
	}

	writeOK(w, http.StatusOK, CanonicalListResponse{
		Applications: list,
		Total:        len(list),
		Limit:        limit,
		Offset:       offset,
	}, h.logger)
}

// Get handles GET /api/accounts/{aid}/engagements/{eid}/applications/{cid}
func (h *CurationHandler) Get(w http.ResponseWriter, r *http.Request) {
	scope, ok := ParseTenantScope(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := ParseCanonicalID(w, r, h.logger)
	if !ok {
		return
	}

	detail, err := h.service.GetCanonical(r.Context(), scope, id)
	if err != nil {
		writeServiceError(w, err, "get_application_failed", h.logger)
		return
	}

	writeOK(w, http.StatusOK, detail, h.logger)
}

// Verify handles POST /api/accounts/{aid}/engagements/{eid}/applications/{cid}/verify
// An empty body verifies manually.
func (h *CurationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	scope, ok := ParseTenantScope(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := ParseCanonicalID(w, r, h.logger)
	if !ok {
		return
	}
	actor, ok := ParseActor(w, r, h.logger)
	if !ok {
		return
	}

	var req services.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	c, err := h.service.VerifyCanonical(r.Context(), scope, id, actor, req)
	if err != nil {
		writeServiceError(w, err, "verify_application_failed", h.logger)
		return
	}

	writeOK(w, http.StatusOK, c, h.logger)
}

// ListPending handles GET /api/accounts/{aid}/engagements/{eid}/variants/pending
func (h *CurationHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	scope, ok := ParseTenantScope(w, r, h.logger)
	if !ok {
		return
	}

	variants, err := h.service.ListPendingVariants(r.Context(), scope)
	if err != nil {
		writeServiceError(w, err, "list_pending_variants_failed", h.logger)
		return
	}

	writeOK(w, http.StatusOK, PendingVariantsResponse{Variants: variants, Total: len(variants)}, h.logger)
}

// ConfirmVariant handles POST /api/accounts/{aid}/engagements/{eid}/variants/{vid}/confirm
func (h *CurationHandler) ConfirmVariant(w http.ResponseWriter, r *http.Request) {
	scope, ok := ParseTenantScope(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := ParseVariantID(w, r, h.logger)
	if !ok {
		return
	}

	v, err := h.service.ConfirmVariant(r.Context(), scope, id)
	if err != nil {
		writeServiceError(w, err, "confirm_variant_failed", h.logger)
		return
	}

	writeOK(w, http.StatusOK, v, h.logger)
}
