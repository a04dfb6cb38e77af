package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/teamtrack/calsync/internal/event"
)

// EventView is what the read API exposes: internal ids only, no provider or
// feed identifiers.
type EventView struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"startsAt"`
	EndsAt    time.Time `json:"endsAt"`
	Cancelled bool      `json:"cancelled"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// upsertProviderEvent applies one normalized provider record with
// later-last-modified-wins semantics: a record whose source_updated_at does
// not advance past the stored one changes nothing, which keeps page
// re-application idempotent.
const upsertProviderEventQuery = `
	INSERT INTO calendar_events
		(owner_id, source, external_key, title, starts_at, ends_at, source_updated_at, cancelled)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (owner_id, source, external_key) DO UPDATE SET
		title = CASE
			WHEN EXCLUDED.cancelled AND EXCLUDED.title = '' THEN calendar_events.title
			ELSE EXCLUDED.title
		END,
		starts_at = COALESCE(EXCLUDED.starts_at, calendar_events.starts_at),
		ends_at = COALESCE(EXCLUDED.ends_at, calendar_events.ends_at),
		source_updated_at = EXCLUDED.source_updated_at,
		cancelled = EXCLUDED.cancelled,
		updated_at = NOW()
	WHERE EXCLUDED.source_updated_at > calendar_events.source_updated_at`

func upsertProviderEvent(ctx context.Context, tx *sql.Tx, ownerID string, rec event.Record) error {
	_, err := tx.ExecContext(ctx, upsertProviderEventQuery,
		ownerID, string(rec.Source), rec.ExternalKey, rec.Title,
		nullTime(rec.StartsAt), nullTime(rec.EndsAt), nullTime(rec.SourceUpdatedAt), rec.Cancelled)
	return err
}

// ApplyPage writes one page of provider changes and advances the stored
// cursor in the same transaction. A crash before commit re-fetches the page;
// re-application is a no-op thanks to the upsert guard.
func (s *Store) ApplyPage(ctx context.Context, userID string, recs []event.Record, cursor string) error {
	return s.WithTenant(ctx, TenantFor(userID), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", userLockKey(userID)); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := upsertProviderEvent(ctx, tx, userID, rec); err != nil {
				return err
			}
		}
		return saveCursor(ctx, tx, userID, cursor)
	})
}

// ApplyFullResync replaces the provider view of one user: upserts every live
// record, tombstones provider rows whose external key is absent from the
// live set, and stores the terminal cursor, all in one transaction.
func (s *Store) ApplyFullResync(ctx context.Context, userID string, recs []event.Record, cursor string) error {
	liveKeys := make([]string, 0, len(recs))
	for _, rec := range recs {
		liveKeys = append(liveKeys, rec.ExternalKey)
	}
	return s.WithTenant(ctx, TenantFor(userID), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", userLockKey(userID)); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := upsertProviderEvent(ctx, tx, userID, rec); err != nil {
				return err
			}
		}
		const tombstoneAbsent = `
			UPDATE calendar_events
			SET cancelled = TRUE, updated_at = NOW()
			WHERE owner_id = $1 AND source = 'provider' AND NOT cancelled
				AND external_key <> ALL($2)`
		if _, err := tx.ExecContext(ctx, tombstoneAbsent, userID, pq.Array(liveKeys)); err != nil {
			return err
		}
		return saveCursor(ctx, tx, userID, cursor)
	})
}

// MergeOccurrences upserts expanded feed occurrences for one user and
// classifies each as added or updated. The storage layer's timestamp pair is
// the classifier: a row whose created_at still equals updated_at after the
// upsert has never been modified since first observation.
func (s *Store) MergeOccurrences(ctx context.Context, userID string, recs []event.Record) (added, updated int, err error) {
	const merge = `
		INSERT INTO calendar_events
			(owner_id, source, external_key, title, starts_at, ends_at, source_updated_at, cancelled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner_id, source, external_key) DO UPDATE SET
			title = EXCLUDED.title,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			source_updated_at = EXCLUDED.source_updated_at,
			cancelled = EXCLUDED.cancelled,
			updated_at = CASE
				WHEN (calendar_events.title, calendar_events.starts_at, calendar_events.ends_at, calendar_events.cancelled)
					IS DISTINCT FROM (EXCLUDED.title, EXCLUDED.starts_at, EXCLUDED.ends_at, EXCLUDED.cancelled)
				THEN NOW()
				ELSE calendar_events.updated_at
			END
		RETURNING created_at, updated_at`
	err = s.WithTenant(ctx, TenantFor(userID), func(tx *sql.Tx) error {
		if _, lockErr := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", userLockKey(userID)); lockErr != nil {
			return lockErr
		}
		for _, rec := range recs {
			var createdAt, updatedAt time.Time
			row := tx.QueryRowContext(ctx, merge,
				userID, string(rec.Source), rec.ExternalKey, rec.Title,
				nullTime(rec.StartsAt), nullTime(rec.EndsAt), nullTime(rec.SourceUpdatedAt), rec.Cancelled)
			if scanErr := row.Scan(&createdAt, &updatedAt); scanErr != nil {
				return scanErr
			}
			if updatedAt.After(createdAt) {
				updated++
			} else {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return added, updated, nil
}

// ListEvents returns the events visible to tc for the given owner. Row-level
// policies do the authorization: a foreign owner id simply yields no rows.
func (s *Store) ListEvents(ctx context.Context, tc TenantContext, ownerID string) ([]EventView, error) {
	var views []EventView
	err := s.WithTenant(ctx, tc, func(tx *sql.Tx) error {
		const query = `
			SELECT id, title, starts_at, ends_at, cancelled, updated_at
			FROM calendar_events
			WHERE owner_id = $1
			ORDER BY starts_at NULLS LAST, id`
		rows, err := tx.QueryContext(ctx, query, ownerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var view EventView
			var startsAt, endsAt sql.NullTime
			if err := rows.Scan(&view.ID, &view.Title, &startsAt, &endsAt, &view.Cancelled, &view.UpdatedAt); err != nil {
				return err
			}
			view.StartsAt = startsAt.Time
			view.EndsAt = endsAt.Time
			views = append(views, view)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}
