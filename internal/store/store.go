// Package store is the Postgres storage layer. Every calendar-table query in
// the system runs inside WithTenant or WithSystemAccess, which attach the
// tenant triple as transaction-local session settings consumed by the
// row-level policies created in ensureReady.
package store

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const operationTimeout = 5 * time.Second

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type Store struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func New(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &Store{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()
		for _, statement := range schemaStatements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

// schemaStatements bootstrap the calendar tables and their row-level
// policies. FORCE ROW LEVEL SECURITY makes the policies apply to the table
// owner as well, so even a misconfigured DSN cannot bypass tenant scoping.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS calendar_events (
		id BIGSERIAL PRIMARY KEY,
		owner_id TEXT NOT NULL,
		source TEXT NOT NULL CHECK (source IN ('provider', 'feed')),
		external_key TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		starts_at TIMESTAMPTZ,
		ends_at TIMESTAMPTZ,
		source_updated_at TIMESTAMPTZ,
		cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (owner_id, source, external_key)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_credentials (
		user_id TEXT PRIMARY KEY,
		refresh_token TEXT,
		access_token TEXT,
		access_expires_at TIMESTAMPTZ,
		resource_id TEXT NOT NULL DEFAULT 'primary',
		sync_cursor TEXT,
		channel_id TEXT,
		channel_token TEXT,
		channel_expires_at TIMESTAMPTZ,
		superseded_channel_id TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS feed_subscriptions (
		user_id TEXT NOT NULL,
		url TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, url)
	)`,
	`CREATE TABLE IF NOT EXISTS team_members (
		user_id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL
	)`,
	`ALTER TABLE calendar_events ENABLE ROW LEVEL SECURITY`,
	`ALTER TABLE calendar_events FORCE ROW LEVEL SECURITY`,
	`ALTER TABLE sync_credentials ENABLE ROW LEVEL SECURITY`,
	`ALTER TABLE sync_credentials FORCE ROW LEVEL SECURITY`,
	`ALTER TABLE feed_subscriptions ENABLE ROW LEVEL SECURITY`,
	`ALTER TABLE feed_subscriptions FORCE ROW LEVEL SECURITY`,
	`DROP POLICY IF EXISTS calendar_events_read ON calendar_events`,
	`CREATE POLICY calendar_events_read ON calendar_events FOR SELECT USING (
		current_setting('calsync.role', true) = 'system'
		OR owner_id = current_setting('calsync.user_id', true)
		OR (
			current_setting('calsync.role', true) = 'lead'
			AND current_setting('calsync.team_id', true) <> ''
			AND owner_id IN (
				SELECT user_id FROM team_members
				WHERE team_id = current_setting('calsync.team_id', true)
			)
		)
	)`,
	`DROP POLICY IF EXISTS calendar_events_insert ON calendar_events`,
	`CREATE POLICY calendar_events_insert ON calendar_events FOR INSERT WITH CHECK (
		current_setting('calsync.role', true) = 'system'
		OR owner_id = current_setting('calsync.user_id', true)
	)`,
	`DROP POLICY IF EXISTS calendar_events_update ON calendar_events`,
	`CREATE POLICY calendar_events_update ON calendar_events FOR UPDATE USING (
		current_setting('calsync.role', true) = 'system'
		OR owner_id = current_setting('calsync.user_id', true)
	)`,
	`DROP POLICY IF EXISTS sync_credentials_all ON sync_credentials`,
	`CREATE POLICY sync_credentials_all ON sync_credentials USING (
		current_setting('calsync.role', true) = 'system'
		OR user_id = current_setting('calsync.user_id', true)
	) WITH CHECK (
		current_setting('calsync.role', true) = 'system'
		OR user_id = current_setting('calsync.user_id', true)
	)`,
	`DROP POLICY IF EXISTS feed_subscriptions_all ON feed_subscriptions`,
	`CREATE POLICY feed_subscriptions_all ON feed_subscriptions USING (
		current_setting('calsync.role', true) = 'system'
		OR user_id = current_setting('calsync.user_id', true)
	) WITH CHECK (
		current_setting('calsync.role', true) = 'system'
		OR user_id = current_setting('calsync.user_id', true)
	)`,
}

// userLockKey derives the advisory-lock key serializing all calendar writes
// for one user. pg_advisory_xact_lock holds it until the transaction ends.
func userLockKey(userID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte("calsync:user"))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(userID)))
	return int64(hasher.Sum64())
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
