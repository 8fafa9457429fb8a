package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/ekaya-identity/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-identity/pkg/models"
)

// TenantScope wraps a connection with tenant context and ensures cleanup.
// The connection has app.current_client_account_id and app.current_engagement_id
// set for RLS policy evaluation.
type TenantScope struct {
	Conn   *pgxpool.Conn
	Tenant models.TenantScope
}

// Close resets tenant context and releases connection to pool.
// This MUST be called to prevent tenant context from leaking to the next request.
func (s *TenantScope) Close() {
	if s.Conn == nil {
		return
	}
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_client_account_id")
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_engagement_id")
	s.Conn.Release()
}

// WithTenant acquires a connection and sets the tenant context for RLS.
// The returned TenantScope MUST be closed with defer scope.Close().
func (db *DB) WithTenant(ctx context.Context, tenant models.TenantScope) (*TenantScope, error) {
	if !tenant.IsValid() {
		return nil, apperrors.ErrInvalidTenantScope
	}

	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(ctx,
		"SELECT set_config('app.current_client_account_id', $1, false), set_config('app.current_engagement_id', $2, false)",
		tenant.ClientAccountID.String(), tenant.EngagementID.String())
	if err != nil {
		conn.Release()
		return nil, err
	}

	return &TenantScope{Conn: conn, Tenant: tenant}, nil
}

// WithoutTenant acquires a connection without tenant context.
// Use this for administrative work that spans tenants (e.g., test cleanup).
// The returned TenantScope MUST be closed with defer scope.Close().
func (db *DB) WithoutTenant(ctx context.Context) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &TenantScope{Conn: conn}, nil
}
