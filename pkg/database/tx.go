package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNoTenantScope is returned when a repository runs without a tenant-scoped connection.
var ErrNoTenantScope = errors.New("no tenant scope in context")

// Querier is the query surface shared by a pooled connection and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetQuerier returns the transaction carried by ctx, or the tenant-scoped
// connection when no transaction is open.
func GetQuerier(ctx context.Context) (Querier, error) {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx, nil
	}
	scope, ok := GetTenantScope(ctx)
	if !ok || scope.Conn == nil {
		return nil, ErrNoTenantScope
	}
	return scope.Conn, nil
}

// WithTx runs fn inside a transaction on the tenant-scoped connection. When ctx
// already carries a transaction, fn runs inside a savepoint of it instead, so
// a failing fn only discards its own writes. The transaction (or savepoint)
// commits when fn returns nil and rolls back otherwise.
func WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if outer, ok := ctx.Value(txKey).(pgx.Tx); ok {
		tx, err = outer.Begin(ctx)
	} else {
		scope, ok := GetTenantScope(ctx)
		if !ok || scope.Conn == nil {
			return ErrNoTenantScope
		}
		tx, err = scope.Conn.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // no-op once committed

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey).(pgx.Tx)
	return ok
}
