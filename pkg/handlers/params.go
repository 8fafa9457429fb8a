package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-identity/pkg/models"
)

// ActorHeader carries the acting user's id, set by the upstream auth layer.
const ActorHeader = "X-User-ID"

// ParseTenantScope extracts the client account and engagement ids.
// Expects path parameters: aid, eid
func ParseTenantScope(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (models.TenantScope, bool) {
	accountID, ok := parseUUID(w, r, "aid", "invalid_client_account_id", "Invalid client account ID format", logger)
	if !ok {
		return models.TenantScope{}, false
	}
	engagementID, ok := parseUUID(w, r, "eid", "invalid_engagement_id", "Invalid engagement ID format", logger)
	if !ok {
		return models.TenantScope{}, false
	}
	return models.NewTenantScope(accountID, engagementID), true
}

// ParseCanonicalID extracts and validates the canonical identity ID.
// Expects path parameter: cid
func ParseCanonicalID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "cid", "invalid_canonical_id", "Invalid canonical identity ID format", logger)
}

// ParseVariantID extracts and validates the name variant ID.
// Expects path parameter: vid
func ParseVariantID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "vid", "invalid_variant_id", "Invalid name variant ID format", logger)
}

// ParseActor reads the optional acting user id. A missing header yields nil;
// a malformed one is rejected.
func ParseActor(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*uuid.UUID, bool) {
	raw := r.Header.Get(ActorHeader)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_user_id", "Invalid "+ActorHeader+" header"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return nil, false
	}
	return &id, true
}

// parseIntQuery returns the named query parameter, or def when absent.
func parseIntQuery(w http.ResponseWriter, r *http.Request, name string, def int, logger *zap.Logger) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_"+name, "Invalid "+name+" parameter"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return 0, false
	}
	return n, true
}

func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(pathParam))
	if err != nil || id == uuid.Nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}
