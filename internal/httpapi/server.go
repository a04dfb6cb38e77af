// Package httpapi exposes the calendar service over HTTP: webhook ingress
// for provider push notifications, the per-user event read API, and the
// feed import endpoint.
package httpapi

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teamtrack/calsync/internal/feed"
	"github.com/teamtrack/calsync/internal/logging"
	"github.com/teamtrack/calsync/internal/store"
	syncengine "github.com/teamtrack/calsync/internal/sync"
)

// SyncRunner triggers one sync pass for a user.
type SyncRunner interface {
	SyncUser(ctx context.Context, userID string) (syncengine.Outcome, error)
}

// FeedImportRunner imports a remote iCal feed for a user.
type FeedImportRunner interface {
	ImportFeed(ctx context.Context, userID, feedURL string) (feed.Report, error)
}

// CredentialSource resolves watch-channel ids to the credentials they
// notify for.
type CredentialSource interface {
	CredentialsByChannel(ctx context.Context, channelID string) ([]store.SyncCredential, error)
}

// EventReader lists a user's events under a tenant context.
type EventReader interface {
	ListEvents(ctx context.Context, tc store.TenantContext, ownerID string) ([]store.EventView, error)
}

type ServerConfig struct {
	JWTSecret string

	// WebhookWait is how long the webhook handler waits for fan-out syncs
	// before acknowledging; stragglers finish in the background.
	WebhookWait time.Duration

	// SyncTimeout bounds each background sync pass started by a webhook.
	SyncTimeout time.Duration

	// ImportTimeout bounds one feed import request.
	ImportTimeout time.Duration

	MaxBodyBytes int64
}

type Server struct {
	cfg      ServerConfig
	syncer   SyncRunner
	importer FeedImportRunner
	creds    CredentialSource
	events   EventReader
}

func NewServer(syncer SyncRunner, importer FeedImportRunner, creds CredentialSource, events EventReader, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.WebhookWait <= 0 {
		cfg.WebhookWait = 3 * time.Second
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 60 * time.Second
	}
	if cfg.ImportTimeout <= 0 {
		cfg.ImportTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		cfg:      cfg,
		syncer:   syncer,
		importer: importer,
		creds:    creds,
		events:   events,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/webhooks/calendar" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "users" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	userID := parts[2]

	var requiredScope string
	var route string
	switch {
	case parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope = "events:read"
		route = "events"
	case parts[3] == "feed-imports" && r.Method == http.MethodPost:
		requiredScope = "feeds:write"
		route = "feed_import"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)

	switch route {
	case "events":
		s.handleListEvents(w, r, claims, userID, correlationID)
	case "feed_import":
		s.handleFeedImport(w, r, claims, userID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleWebhook acknowledges every provider push with 200. Unknown channels
// and token mismatches are logged and dropped, never reflected in the
// status, so a probing caller learns nothing about registered channels.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	channelID := strings.TrimSpace(r.Header.Get("X-Channel-Id"))
	resourceID := strings.TrimSpace(r.Header.Get("X-Resource-Id"))
	channelToken := r.Header.Get("X-Channel-Token")

	ack := func() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}

	if channelID == "" {
		logging.Debug("webhook without channel id dropped", "correlation_id", correlationID)
		ack()
		return
	}

	creds, err := s.creds.CredentialsByChannel(r.Context(), channelID)
	if err != nil {
		logging.Error("webhook channel lookup failed", err, "channel_id", channelID, "correlation_id", correlationID)
		ack()
		return
	}
	if len(creds) == 0 {
		logging.Debug("webhook for unknown channel dropped",
			"channel_id", channelID, "resource_id", resourceID, "correlation_id", correlationID)
		ack()
		return
	}

	var wg sync.WaitGroup
	for _, cred := range creds {
		if cred.ChannelToken != "" && !hmac.Equal([]byte(cred.ChannelToken), []byte(channelToken)) {
			logging.Error("webhook channel token mismatch", nil,
				"channel_id", channelID, "user_id", cred.UserID, "correlation_id", correlationID)
			continue
		}
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			s.runWebhookSync(userID, correlationID)
		}(cred.UserID)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.WebhookWait):
	}
	ack()
}

// runWebhookSync uses a detached context: the provider has already been
// acknowledged, so the sync must not die with the request.
func (s *Server) runWebhookSync(userID, correlationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SyncTimeout)
	defer cancel()
	outcome, err := s.syncer.SyncUser(ctx, userID)
	if err != nil {
		logging.Error("webhook-triggered sync failed", err,
			"user_id", userID, "outcome", string(outcome), "correlation_id", correlationID)
		return
	}
	logging.Info("webhook-triggered sync finished",
		"user_id", userID, "outcome", string(outcome), "correlation_id", correlationID)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, claims tokenClaims, userID, correlationID string) {
	if claims.UserID != userID && claims.Role == store.RoleAthlete {
		writeError(w, http.StatusForbidden, "forbidden", "cannot read another user's events", correlationID)
		return
	}
	// Leads are not checked here: visibility into team members' rows is
	// decided by the database policies, not application filtering.
	events, err := s.events.ListEvents(r.Context(), claims.tenant(), userID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleFeedImport(w http.ResponseWriter, r *http.Request, claims tokenClaims, userID, correlationID string) {
	if claims.UserID != userID && claims.Role != store.RoleSystem {
		writeError(w, http.StatusForbidden, "forbidden", "cannot import feeds for another user", correlationID)
		return
	}

	var body struct {
		URL string `json:"url"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing url", correlationID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ImportTimeout)
	defer cancel()

	report, err := s.importer.ImportFeed(ctx, userID, body.URL)
	if err != nil {
		switch {
		case errors.Is(err, feed.ErrFeedUnreachable):
			writeError(w, http.StatusBadGateway, "feed_unreachable", err.Error(), correlationID)
		case errors.Is(err, feed.ErrFeedMalformed):
			writeError(w, http.StatusUnprocessableEntity, "feed_malformed", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}

	errs := report.Errors
	if errs == nil {
		errs = []feed.EntryError{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"added":   report.Added,
		"updated": report.Updated,
		"errors":  errs,
	})
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return "req_" + uuid.NewString()
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
