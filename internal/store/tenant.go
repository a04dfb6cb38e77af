package store

import (
	"context"
	"database/sql"
	"strings"
)

type Role string

const (
	RoleAthlete Role = "athlete"
	RoleLead    Role = "lead"
	RoleSystem  Role = "system"
)

// TenantContext is the transient identity triple attached to one
// transaction. It is never persisted and never cached across requests.
type TenantContext struct {
	UserID string
	Role   Role
	TeamID string
}

// TenantFor builds the context used by background work done on behalf of a
// single user, such as applying that user's sync pages.
func TenantFor(userID string) TenantContext {
	return TenantContext{UserID: userID, Role: RoleAthlete}
}

// WithTenant opens a transaction, attaches tc as transaction-local session
// settings, and runs fn inside it. set_config(..., true) scopes the settings
// to the transaction itself, so they vanish on commit or rollback and a
// pooled connection can never leak one caller's identity to the next.
// fn's error is propagated after rollback; storage errors are never swallowed.
func (s *Store) WithTenant(ctx context.Context, tc TenantContext, fn func(*sql.Tx) error) error {
	if strings.TrimSpace(tc.UserID) == "" && tc.Role != RoleSystem {
		return ErrInvalidInput
	}
	return s.inTransaction(ctx, tc, fn)
}

// WithSystemAccess runs fn with the elevated system role and no user id.
// Only trusted background paths (webhook fan-out, cron) may use it; request
// handlers that carry user-supplied parameters must go through WithTenant.
func (s *Store) WithSystemAccess(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.inTransaction(ctx, TenantContext{Role: RoleSystem}, fn)
}

func (s *Store) inTransaction(ctx context.Context, tc TenantContext, fn func(*sql.Tx) error) error {
	if fn == nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const attach = `SELECT
		set_config('calsync.user_id', $1, true),
		set_config('calsync.role', $2, true),
		set_config('calsync.team_id', $3, true)`
	if _, err := tx.ExecContext(ctx, attach, tc.UserID, string(tc.Role), tc.TeamID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
