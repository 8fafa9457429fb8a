package database

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-identity/pkg/models"
)

// WithTenantContext creates middleware that sets up a tenant-scoped DB connection.
// The tenant comes from the {aid} and {eid} path values of the matched route.
// The connection is automatically cleaned up after the handler returns.
func WithTenantContext(provider *TenantScopeProvider, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			tenant, ok := tenantFromPath(w, r, logger)
			if !ok {
				return
			}

			ctx, cleanup, err := provider.WithTenantScope(r.Context(), tenant)
			if err != nil {
				logger.Error("Failed to acquire tenant connection",
					zap.String("client_account_id", tenant.ClientAccountID.String()),
					zap.String("engagement_id", tenant.EngagementID.String()),
					zap.Error(err))
				writeError(w, http.StatusInternalServerError, "database_error", "Database connection error")
				return
			}
			defer cleanup()

			next(w, r.WithContext(ctx))
		}
	}
}

func tenantFromPath(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (models.TenantScope, bool) {
	accountID, err := uuid.Parse(r.PathValue("aid"))
	if err != nil || accountID == uuid.Nil {
		logger.Debug("Invalid client account ID in path", zap.String("aid", r.PathValue("aid")))
		writeError(w, http.StatusBadRequest, "invalid_tenant_scope", "Invalid client account ID format")
		return models.TenantScope{}, false
	}
	engagementID, err := uuid.Parse(r.PathValue("eid"))
	if err != nil || engagementID == uuid.Nil {
		logger.Debug("Invalid engagement ID in path", zap.String("eid", r.PathValue("eid")))
		writeError(w, http.StatusBadRequest, "invalid_tenant_scope", "Invalid engagement ID format")
		return models.TenantScope{}, false
	}
	return models.NewTenantScope(accountID, engagementID), true
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
