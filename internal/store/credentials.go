package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// SyncCredential is the per-user provider linkage: tokens, the calendar
// resource, the sync cursor, and the active push-notification channel.
type SyncCredential struct {
	UserID              string
	RefreshToken        string
	AccessToken         string
	AccessExpiresAt     time.Time
	ResourceID          string
	SyncCursor          string // empty means a full sync is needed
	ChannelID           string
	ChannelToken        string
	ChannelExpiresAt    time.Time
	SupersededChannelID string
}

const credentialColumns = `user_id, refresh_token, access_token, access_expires_at,
	resource_id, sync_cursor, channel_id, channel_token, channel_expires_at, superseded_channel_id`

func scanCredential(scanner interface{ Scan(...any) error }) (SyncCredential, error) {
	var cred SyncCredential
	var refreshToken, accessToken, cursor, channelID, channelToken, superseded sql.NullString
	var accessExpires, channelExpires sql.NullTime
	err := scanner.Scan(&cred.UserID, &refreshToken, &accessToken, &accessExpires,
		&cred.ResourceID, &cursor, &channelID, &channelToken, &channelExpires, &superseded)
	if err != nil {
		return SyncCredential{}, err
	}
	cred.RefreshToken = refreshToken.String
	cred.AccessToken = accessToken.String
	cred.AccessExpiresAt = accessExpires.Time
	cred.SyncCursor = cursor.String
	cred.ChannelID = channelID.String
	cred.ChannelToken = channelToken.String
	cred.ChannelExpiresAt = channelExpires.Time
	cred.SupersededChannelID = superseded.String
	return cred, nil
}

// Credential loads the linkage for one user. Returns nil without error when
// the user never linked a provider account.
func (s *Store) Credential(ctx context.Context, userID string) (*SyncCredential, error) {
	var out *SyncCredential
	err := s.WithTenant(ctx, TenantFor(userID), func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+credentialColumns+" FROM sync_credentials WHERE user_id = $1", userID)
		cred, err := scanCredential(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out = &cred
		return nil
	})
	return out, err
}

// UpsertCredential records a fresh provider linking for a user.
func (s *Store) UpsertCredential(ctx context.Context, cred SyncCredential) error {
	if strings.TrimSpace(cred.UserID) == "" || strings.TrimSpace(cred.RefreshToken) == "" {
		return ErrInvalidInput
	}
	if strings.TrimSpace(cred.ResourceID) == "" {
		cred.ResourceID = "primary"
	}
	return s.WithTenant(ctx, TenantFor(cred.UserID), func(tx *sql.Tx) error {
		const query = `
			INSERT INTO sync_credentials
				(user_id, refresh_token, access_token, access_expires_at, resource_id, sync_cursor, updated_at)
			VALUES ($1, $2, $3, $4, $5, NULL, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				refresh_token = EXCLUDED.refresh_token,
				access_token = EXCLUDED.access_token,
				access_expires_at = EXCLUDED.access_expires_at,
				resource_id = EXCLUDED.resource_id,
				sync_cursor = NULL,
				updated_at = NOW()`
		_, err := tx.ExecContext(ctx, query, cred.UserID, cred.RefreshToken,
			nullString(cred.AccessToken), nullTime(cred.AccessExpiresAt), cred.ResourceID)
		return err
	})
}

// SaveAccessToken stores a freshly refreshed short-lived token.
func (s *Store) SaveAccessToken(ctx context.Context, userID, accessToken string, expiresAt time.Time) error {
	return s.WithTenant(ctx, TenantFor(userID), func(tx *sql.Tx) error {
		const query = `
			UPDATE sync_credentials
			SET access_token = $2, access_expires_at = $3, updated_at = NOW()
			WHERE user_id = $1`
		_, err := tx.ExecContext(ctx, query, userID, nullString(accessToken), nullTime(expiresAt))
		return err
	})
}

// ClearCredential revokes a linkage after an unrecoverable auth failure or an
// explicit unlink: tokens, cursor, and channel fields are cleared but the row
// stays so re-linking reuses it.
func (s *Store) ClearCredential(ctx context.Context, userID string) error {
	return s.WithTenant(ctx, TenantFor(userID), func(tx *sql.Tx) error {
		const query = `
			UPDATE sync_credentials
			SET refresh_token = NULL, access_token = NULL, access_expires_at = NULL,
				sync_cursor = NULL, channel_id = NULL, channel_token = NULL,
				channel_expires_at = NULL, superseded_channel_id = NULL, updated_at = NOW()
			WHERE user_id = $1`
		_, err := tx.ExecContext(ctx, query, userID)
		return err
	})
}

func saveCursor(ctx context.Context, tx *sql.Tx, userID, cursor string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE sync_credentials SET sync_cursor = $2, updated_at = NOW() WHERE user_id = $1",
		userID, nullString(cursor))
	return err
}

// SaveChannel records a new push subscription, remembering the previous
// channel id as superseded rather than silently dropping it.
func (s *Store) SaveChannel(ctx context.Context, userID, channelID, channelToken string, expiresAt time.Time) error {
	return s.WithTenant(ctx, TenantFor(userID), func(tx *sql.Tx) error {
		const query = `
			UPDATE sync_credentials
			SET superseded_channel_id = channel_id,
				channel_id = $2, channel_token = $3, channel_expires_at = $4, updated_at = NOW()
			WHERE user_id = $1`
		_, err := tx.ExecContext(ctx, query, userID, channelID, nullString(channelToken), nullTime(expiresAt))
		return err
	})
}

// CredentialsByChannel resolves which users a push notification belongs to.
// Runs under system access: the webhook carries no tenant identity of its own.
func (s *Store) CredentialsByChannel(ctx context.Context, channelID string) ([]SyncCredential, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, nil
	}
	var creds []SyncCredential
	err := s.WithSystemAccess(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT "+credentialColumns+" FROM sync_credentials WHERE channel_id = $1", channelID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			cred, err := scanCredential(rows)
			if err != nil {
				return err
			}
			creds = append(creds, cred)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// ChannelsDueForRenewal lists linked credentials whose channel is missing or
// expires before deadline. Used by the recurring renewal trigger.
func (s *Store) ChannelsDueForRenewal(ctx context.Context, deadline time.Time) ([]SyncCredential, error) {
	var creds []SyncCredential
	err := s.WithSystemAccess(ctx, func(tx *sql.Tx) error {
		const query = `
			SELECT ` + credentialColumns + `
			FROM sync_credentials
			WHERE refresh_token IS NOT NULL
				AND (channel_id IS NULL OR channel_expires_at IS NULL OR channel_expires_at < $1)`
		rows, err := tx.QueryContext(ctx, query, deadline)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			cred, err := scanCredential(rows)
			if err != nil {
				return err
			}
			creds = append(creds, cred)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// ClearExpiredChannels drops subscription fields on every credential whose
// channel expiry has passed. Idempotent under repeated invocation.
func (s *Store) ClearExpiredChannels(ctx context.Context, now time.Time) (int, error) {
	cleared := 0
	err := s.WithSystemAccess(ctx, func(tx *sql.Tx) error {
		const query = `
			UPDATE sync_credentials
			SET superseded_channel_id = channel_id,
				channel_id = NULL, channel_token = NULL, channel_expires_at = NULL, updated_at = NOW()
			WHERE channel_id IS NOT NULL AND channel_expires_at IS NOT NULL AND channel_expires_at < $1`
		result, err := tx.ExecContext(ctx, query, now)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		cleared = int(affected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cleared, nil
}

// SaveFeedSubscription remembers a feed URL so the periodic refresh can
// re-import it.
func (s *Store) SaveFeedSubscription(ctx context.Context, userID, url string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(url) == "" {
		return ErrInvalidInput
	}
	return s.WithTenant(ctx, TenantFor(userID), func(tx *sql.Tx) error {
		const query = `
			INSERT INTO feed_subscriptions (user_id, url)
			VALUES ($1, $2)
			ON CONFLICT (user_id, url) DO NOTHING`
		_, err := tx.ExecContext(ctx, query, userID, url)
		return err
	})
}

// FeedSubscription pairs a user with one subscribed feed URL.
type FeedSubscription struct {
	UserID string
	URL    string
}

// FeedSubscriptions lists every subscribed feed across tenants for the
// periodic refresh trigger.
func (s *Store) FeedSubscriptions(ctx context.Context) ([]FeedSubscription, error) {
	var subs []FeedSubscription
	err := s.WithSystemAccess(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT user_id, url FROM feed_subscriptions ORDER BY user_id, url")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var sub FeedSubscription
			if err := rows.Scan(&sub.UserID, &sub.URL); err != nil {
				return err
			}
			subs = append(subs, sub)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}
