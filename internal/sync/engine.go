// Package sync drives per-user reconciliation against the external calendar
// provider: cursor-based incremental passes, full resync when the provider
// rejects a cursor, and the watch-channel lifecycle.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teamtrack/calsync/internal/event"
	"github.com/teamtrack/calsync/internal/logging"
	"github.com/teamtrack/calsync/internal/provider"
	"github.com/teamtrack/calsync/internal/store"
)

// ErrRecoverableSync marks a transient failure: the last stored cursor is
// intact and the next trigger resumes from it.
var ErrRecoverableSync = errors.New("recoverable sync failure")

// Outcome classifies one sync pass for the caller.
type Outcome string

const (
	OutcomeSynced            Outcome = "synced"
	OutcomeNoCredential      Outcome = "no_credential"
	OutcomeSkipped           Outcome = "skipped"
	OutcomeCredentialRevoked Outcome = "credential_revoked"
	OutcomeRecoverable       Outcome = "recoverable"
)

// Storage is the slice of the store the engine needs. *store.Store satisfies
// it; tests substitute an in-memory fake.
type Storage interface {
	Credential(ctx context.Context, userID string) (*store.SyncCredential, error)
	SaveAccessToken(ctx context.Context, userID, accessToken string, expiresAt time.Time) error
	ClearCredential(ctx context.Context, userID string) error
	ApplyPage(ctx context.Context, userID string, recs []event.Record, cursor string) error
	ApplyFullResync(ctx context.Context, userID string, recs []event.Record, cursor string) error
	SaveChannel(ctx context.Context, userID, channelID, channelToken string, expiresAt time.Time) error
	ChannelsDueForRenewal(ctx context.Context, deadline time.Time) ([]store.SyncCredential, error)
	ClearExpiredChannels(ctx context.Context, now time.Time) (int, error)
}

// ProviderAPI is the provider surface the engine consumes. *provider.Client
// satisfies it.
type ProviderAPI interface {
	Changes(ctx context.Context, accessToken, resourceID, cursor string) (provider.ChangePage, error)
	Refresh(ctx context.Context, refreshToken string) (provider.Token, error)
	Watch(ctx context.Context, accessToken, resourceID, callbackURL, channelToken string) (provider.Subscription, error)
	Stop(ctx context.Context, accessToken, channelID, resourceID string) error
}

type Config struct {
	// CallbackURL is where the provider delivers push notifications.
	CallbackURL string
	// RenewalThreshold renews channels this close to expiry. Default 12h.
	RenewalThreshold time.Duration
	// CallTimeout bounds each provider call. Default 30s.
	CallTimeout time.Duration
	// MaxPages caps pages per pass so a runaway stream cannot pin a worker.
	// Default 50.
	MaxPages int
	// AccessTokenSkew refreshes tokens expiring within this window. Default 1m.
	AccessTokenSkew time.Duration
}

type Engine struct {
	storage  Storage
	provider ProviderAPI
	cfg      Config
	inflight *keyedFlight
	now      func() time.Time
}

func NewEngine(storage Storage, providerAPI ProviderAPI, cfg Config) *Engine {
	if cfg.RenewalThreshold <= 0 {
		cfg.RenewalThreshold = 12 * time.Hour
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.AccessTokenSkew <= 0 {
		cfg.AccessTokenSkew = time.Minute
	}
	return &Engine{
		storage:  storage,
		provider: providerAPI,
		cfg:      cfg,
		inflight: newKeyedFlight(),
		now:      time.Now,
	}
}

// SyncUser runs one reconciliation pass for a user. A pass already in flight
// for the same user is skipped, not queued: a later webhook re-triggers it.
// The cursor only advances inside the transaction that committed the page it
// belongs to, so a crash mid-page re-fetches rather than skips.
func (e *Engine) SyncUser(ctx context.Context, userID string) (Outcome, error) {
	if !e.inflight.tryAcquire(userID) {
		return OutcomeSkipped, nil
	}
	defer e.inflight.release(userID)

	cred, err := e.storage.Credential(ctx, userID)
	if err != nil {
		return OutcomeRecoverable, fmt.Errorf("%w: load credential: %v", ErrRecoverableSync, err)
	}
	if cred == nil || cred.RefreshToken == "" {
		return OutcomeNoCredential, nil
	}

	accessToken, outcome, err := e.ensureAccessToken(ctx, cred)
	if outcome != "" {
		return outcome, err
	}

	cursor := cred.SyncCursor
	for page := 0; page < e.cfg.MaxPages; page++ {
		changes, err := e.fetchChanges(ctx, accessToken, cred.ResourceID, cursor)
		if err != nil {
			return OutcomeRecoverable, fmt.Errorf("%w: %v", ErrRecoverableSync, err)
		}
		if changes.CursorRejected {
			return e.fullResync(ctx, userID, accessToken, cred.ResourceID)
		}

		recs := e.normalizePage(userID, changes.Events)

		nextCursor := changes.ContinuationCursor
		terminal := nextCursor == ""
		if terminal {
			nextCursor = changes.NextCursor
		}
		if nextCursor == "" {
			nextCursor = cursor
		}
		if err := e.storage.ApplyPage(ctx, userID, recs, nextCursor); err != nil {
			return OutcomeRecoverable, fmt.Errorf("%w: apply page: %v", ErrRecoverableSync, err)
		}
		cursor = nextCursor
		if terminal {
			return OutcomeSynced, nil
		}
	}
	return OutcomeRecoverable, fmt.Errorf("%w: page cap reached before terminal cursor", ErrRecoverableSync)
}

// fullResync discards the stale cursor, fetches the provider's entire
// visible window, and reconciles by diffing the live id set against stored
// rows: anything absent gets tombstoned, then the terminal cursor is stored.
func (e *Engine) fullResync(ctx context.Context, userID, accessToken, resourceID string) (Outcome, error) {
	var recs []event.Record
	cursor := ""
	terminalCursor := ""
	terminal := false
	for page := 0; page < e.cfg.MaxPages; page++ {
		changes, err := e.fetchChanges(ctx, accessToken, resourceID, cursor)
		if err != nil {
			return OutcomeRecoverable, fmt.Errorf("%w: %v", ErrRecoverableSync, err)
		}
		if changes.CursorRejected {
			return OutcomeRecoverable, fmt.Errorf("%w: provider rejected an empty cursor", ErrRecoverableSync)
		}
		recs = append(recs, e.normalizePage(userID, changes.Events)...)
		if changes.ContinuationCursor == "" {
			terminalCursor = changes.NextCursor
			terminal = true
			break
		}
		cursor = changes.ContinuationCursor
	}
	// Applying a partial window would tombstone rows that are still live at
	// the provider, so a capped fetch writes nothing.
	if !terminal {
		return OutcomeRecoverable, fmt.Errorf("%w: page cap reached before full window fetched", ErrRecoverableSync)
	}
	if err := e.storage.ApplyFullResync(ctx, userID, recs, terminalCursor); err != nil {
		return OutcomeRecoverable, fmt.Errorf("%w: apply full resync: %v", ErrRecoverableSync, err)
	}
	logging.Info("full resync applied", "user", userID, "events", len(recs))
	return OutcomeSynced, nil
}

func (e *Engine) fetchChanges(ctx context.Context, accessToken, resourceID, cursor string) (provider.ChangePage, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.provider.Changes(callCtx, accessToken, resourceID, cursor)
}

// normalizePage converts raw provider entries in the order received,
// skipping malformed ones: one bad entry must not block a page.
func (e *Engine) normalizePage(userID string, rawEvents []json.RawMessage) []event.Record {
	recs := make([]event.Record, 0, len(rawEvents))
	for _, raw := range rawEvents {
		rec, err := event.FromProvider(raw)
		if err != nil {
			logging.Error("skipping malformed provider entry", err, "user", userID)
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

// ensureAccessToken refreshes the short-lived token when missing or about to
// expire. A revoked refresh token clears the credential and reports the
// terminal outcome instead of retrying.
func (e *Engine) ensureAccessToken(ctx context.Context, cred *store.SyncCredential) (string, Outcome, error) {
	if cred.AccessToken != "" && cred.AccessExpiresAt.After(e.now().Add(e.cfg.AccessTokenSkew)) {
		return cred.AccessToken, "", nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	token, err := e.provider.Refresh(callCtx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, provider.ErrAuthRevoked) {
			if clearErr := e.storage.ClearCredential(ctx, cred.UserID); clearErr != nil {
				return "", OutcomeRecoverable, fmt.Errorf("%w: clear revoked credential: %v", ErrRecoverableSync, clearErr)
			}
			logging.Info("credential revoked by provider", "user", cred.UserID)
			return "", OutcomeCredentialRevoked, nil
		}
		return "", OutcomeRecoverable, fmt.Errorf("%w: refresh token: %v", ErrRecoverableSync, err)
	}
	if err := e.storage.SaveAccessToken(ctx, cred.UserID, token.AccessToken, token.ExpiresAt); err != nil {
		return "", OutcomeRecoverable, fmt.Errorf("%w: save access token: %v", ErrRecoverableSync, err)
	}
	cred.AccessToken = token.AccessToken
	cred.AccessExpiresAt = token.ExpiresAt
	return token.AccessToken, "", nil
}

// EnsureWatch creates or renews the user's push subscription when it is
// absent or within the renewal threshold of expiry. The previous channel is
// recorded as superseded and cancelled best-effort: a stop failure is
// non-fatal since nothing references the old channel anymore.
func (e *Engine) EnsureWatch(ctx context.Context, userID string) error {
	cred, err := e.storage.Credential(ctx, userID)
	if err != nil {
		return err
	}
	if cred == nil || cred.RefreshToken == "" {
		return nil
	}
	if cred.ChannelID != "" && cred.ChannelExpiresAt.After(e.now().Add(e.cfg.RenewalThreshold)) {
		return nil
	}

	accessToken, outcome, err := e.ensureAccessToken(ctx, cred)
	if outcome == OutcomeCredentialRevoked {
		return nil
	}
	if err != nil {
		return err
	}

	channelToken := uuid.NewString()
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	sub, err := e.provider.Watch(callCtx, accessToken, cred.ResourceID, e.cfg.CallbackURL, channelToken)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: create watch channel: %v", ErrRecoverableSync, err)
	}

	previousChannel := cred.ChannelID
	if err := e.storage.SaveChannel(ctx, userID, sub.ChannelID, channelToken, sub.ExpiresAt); err != nil {
		return err
	}
	logging.Info("watch channel established", "user", userID, "channel", sub.ChannelID)

	if previousChannel != "" {
		stopCtx, stopCancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		if stopErr := e.provider.Stop(stopCtx, accessToken, previousChannel, cred.ResourceID); stopErr != nil {
			logging.Error("best-effort stop of superseded channel failed", stopErr,
				"user", userID, "channel", previousChannel)
		}
		stopCancel()
	}
	return nil
}

// RenewDueWatchChannels renews every channel nearing expiry. Per-user
// failures are logged and do not block the rest of the scan.
func (e *Engine) RenewDueWatchChannels(ctx context.Context) {
	deadline := e.now().Add(e.cfg.RenewalThreshold)
	creds, err := e.storage.ChannelsDueForRenewal(ctx, deadline)
	if err != nil {
		logging.Error("channel renewal scan failed", err)
		return
	}
	for _, cred := range creds {
		if err := e.EnsureWatch(ctx, cred.UserID); err != nil {
			logging.Error("channel renewal failed", err, "user", cred.UserID)
		}
	}
}

// RevokeExpiredWatchChannels clears subscription fields on credentials whose
// channel expiry has passed. Safe to run on any recurring trigger.
func (e *Engine) RevokeExpiredWatchChannels(ctx context.Context) (int, error) {
	return e.storage.ClearExpiredChannels(ctx, e.now())
}
