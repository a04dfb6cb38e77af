package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teamtrack/calsync/internal/event"
	"github.com/teamtrack/calsync/internal/provider"
	"github.com/teamtrack/calsync/internal/store"
)

type fakeStorage struct {
	mu          stdsync.Mutex
	cred        *store.SyncCredential
	events      map[string]event.Record
	writes      int
	clearCalls  int
	savedTokens int
}

func newFakeStorage(cred *store.SyncCredential) *fakeStorage {
	return &fakeStorage{cred: cred, events: map[string]event.Record{}}
}

func (f *fakeStorage) Credential(_ context.Context, userID string) (*store.SyncCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cred == nil || f.cred.UserID != userID {
		return nil, nil
	}
	copied := *f.cred
	return &copied, nil
}

func (f *fakeStorage) SaveAccessToken(_ context.Context, userID, accessToken string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedTokens++
	if f.cred != nil && f.cred.UserID == userID {
		f.cred.AccessToken = accessToken
		f.cred.AccessExpiresAt = expiresAt
	}
	return nil
}

func (f *fakeStorage) ClearCredential(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearCalls++
	if f.cred != nil && f.cred.UserID == userID {
		f.cred.RefreshToken = ""
		f.cred.AccessToken = ""
		f.cred.SyncCursor = ""
		f.cred.ChannelID = ""
	}
	return nil
}

func (f *fakeStorage) upsert(rec event.Record) {
	existing, ok := f.events[rec.ExternalKey]
	if ok && !rec.SourceUpdatedAt.After(existing.SourceUpdatedAt) {
		return
	}
	f.events[rec.ExternalKey] = rec
	f.writes++
}

func (f *fakeStorage) ApplyPage(_ context.Context, userID string, recs []event.Record, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range recs {
		f.upsert(rec)
	}
	if f.cred != nil && f.cred.UserID == userID {
		f.cred.SyncCursor = cursor
	}
	return nil
}

func (f *fakeStorage) ApplyFullResync(_ context.Context, userID string, recs []event.Record, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := map[string]struct{}{}
	for _, rec := range recs {
		live[rec.ExternalKey] = struct{}{}
		f.upsert(rec)
	}
	for key, existing := range f.events {
		if _, ok := live[key]; ok || existing.Cancelled {
			continue
		}
		existing.Cancelled = true
		f.events[key] = existing
		f.writes++
	}
	if f.cred != nil && f.cred.UserID == userID {
		f.cred.SyncCursor = cursor
	}
	return nil
}

func (f *fakeStorage) SaveChannel(_ context.Context, userID, channelID, channelToken string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cred != nil && f.cred.UserID == userID {
		f.cred.SupersededChannelID = f.cred.ChannelID
		f.cred.ChannelID = channelID
		f.cred.ChannelToken = channelToken
		f.cred.ChannelExpiresAt = expiresAt
	}
	return nil
}

func (f *fakeStorage) ChannelsDueForRenewal(_ context.Context, deadline time.Time) ([]store.SyncCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cred == nil || f.cred.RefreshToken == "" {
		return nil, nil
	}
	if f.cred.ChannelID == "" || f.cred.ChannelExpiresAt.Before(deadline) {
		return []store.SyncCredential{*f.cred}, nil
	}
	return nil, nil
}

func (f *fakeStorage) ClearExpiredChannels(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cred != nil && f.cred.ChannelID != "" && f.cred.ChannelExpiresAt.Before(now) {
		f.cred.ChannelID = ""
		f.cred.ChannelToken = ""
		f.cred.ChannelExpiresAt = time.Time{}
		return 1, nil
	}
	return 0, nil
}

func (f *fakeStorage) cursor() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cred == nil {
		return ""
	}
	return f.cred.SyncCursor
}

func (f *fakeStorage) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type fakeProvider struct {
	mu           stdsync.Mutex
	byCursor     map[string]provider.ChangePage
	changesErr   error
	refreshErr   error
	token        provider.Token
	watchSub     provider.Subscription
	watchErr     error
	stopped      []string
	changesCalls int32
	blockChanges chan struct{}
	started      chan struct{}
}

func (p *fakeProvider) Changes(ctx context.Context, _, _, cursor string) (provider.ChangePage, error) {
	atomic.AddInt32(&p.changesCalls, 1)
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.blockChanges != nil {
		select {
		case <-p.blockChanges:
		case <-ctx.Done():
			return provider.ChangePage{}, ctx.Err()
		}
	}
	if p.changesErr != nil {
		return provider.ChangePage{}, p.changesErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byCursor[cursor], nil
}

func (p *fakeProvider) Refresh(context.Context, string) (provider.Token, error) {
	if p.refreshErr != nil {
		return provider.Token{}, p.refreshErr
	}
	return p.token, nil
}

func (p *fakeProvider) Watch(_ context.Context, _, resourceID, _, _ string) (provider.Subscription, error) {
	if p.watchErr != nil {
		return provider.Subscription{}, p.watchErr
	}
	p.watchSub.ResourceID = resourceID
	return p.watchSub, nil
}

func (p *fakeProvider) Stop(_ context.Context, _, channelID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = append(p.stopped, channelID)
	return nil
}

func providerEventJSON(id, summary, updated string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"id": %q, "status": "confirmed", "summary": %q,
		"start": {"dateTime": "2026-03-02T09:00:00Z"},
		"end": {"dateTime": "2026-03-02T10:00:00Z"},
		"updated": %q
	}`, id, summary, updated))
}

func linkedCred(cursor string) *store.SyncCredential {
	return &store.SyncCredential{
		UserID:          "u_1",
		RefreshToken:    "rt_1",
		AccessToken:     "at_1",
		AccessExpiresAt: time.Now().Add(time.Hour),
		ResourceID:      "primary",
		SyncCursor:      cursor,
	}
}

func TestSyncUserWithoutCredentialIsNoop(t *testing.T) {
	storage := newFakeStorage(nil)
	prov := &fakeProvider{}
	engine := NewEngine(storage, prov, Config{})

	outcome, err := engine.SyncUser(context.Background(), "u_unlinked")
	if err != nil {
		t.Fatalf("no-credential pass must not error: %v", err)
	}
	if outcome != OutcomeNoCredential {
		t.Fatalf("expected OutcomeNoCredential, got %s", outcome)
	}
	if atomic.LoadInt32(&prov.changesCalls) != 0 {
		t.Fatalf("expected no provider calls")
	}
}

func TestSyncUserFirstPassStoresEventAndCursor(t *testing.T) {
	storage := newFakeStorage(linkedCred(""))
	prov := &fakeProvider{byCursor: map[string]provider.ChangePage{
		"": {
			Events:     []json.RawMessage{providerEventJSON("ev_1", "Practice", "2026-03-01T18:00:00Z")},
			NextCursor: "c1",
		},
	}}
	engine := NewEngine(storage, prov, Config{})

	outcome, err := engine.SyncUser(context.Background(), "u_1")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if outcome != OutcomeSynced {
		t.Fatalf("expected OutcomeSynced, got %s", outcome)
	}
	if len(storage.events) != 1 {
		t.Fatalf("expected exactly 1 stored event, got %d", len(storage.events))
	}
	if storage.cursor() != "c1" {
		t.Fatalf("expected cursor c1, got %q", storage.cursor())
	}
}

func TestSyncUserFollowsContinuationPages(t *testing.T) {
	storage := newFakeStorage(linkedCred("c1"))
	prov := &fakeProvider{byCursor: map[string]provider.ChangePage{
		"c1": {
			Events:             []json.RawMessage{providerEventJSON("ev_1", "First", "2026-03-01T18:00:00Z")},
			ContinuationCursor: "c1b",
		},
		"c1b": {
			Events:     []json.RawMessage{providerEventJSON("ev_2", "Second", "2026-03-01T19:00:00Z")},
			NextCursor: "c2",
		},
	}}
	engine := NewEngine(storage, prov, Config{})

	outcome, err := engine.SyncUser(context.Background(), "u_1")
	if err != nil || outcome != OutcomeSynced {
		t.Fatalf("expected synced outcome, got %s err=%v", outcome, err)
	}
	if len(storage.events) != 2 {
		t.Fatalf("expected both pages applied, got %d events", len(storage.events))
	}
	if storage.cursor() != "c2" {
		t.Fatalf("expected terminal cursor c2, got %q", storage.cursor())
	}
}

func TestSyncUserSecondPassIsIdempotent(t *testing.T) {
	storage := newFakeStorage(linkedCred(""))
	prov := &fakeProvider{byCursor: map[string]provider.ChangePage{
		"": {
			Events:     []json.RawMessage{providerEventJSON("ev_1", "Practice", "2026-03-01T18:00:00Z")},
			NextCursor: "c1",
		},
		"c1": {NextCursor: "c1"},
	}}
	engine := NewEngine(storage, prov, Config{})

	if _, err := engine.SyncUser(context.Background(), "u_1"); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	writesAfterFirst := storage.writeCount()

	outcome, err := engine.SyncUser(context.Background(), "u_1")
	if err != nil || outcome != OutcomeSynced {
		t.Fatalf("second pass failed: %s %v", outcome, err)
	}
	if storage.writeCount() != writesAfterFirst {
		t.Fatalf("expected zero additional writes, got %d -> %d", writesAfterFirst, storage.writeCount())
	}
	if storage.cursor() != "c1" {
		t.Fatalf("expected cursor to stay c1, got %q", storage.cursor())
	}
}

func TestSyncUserLaterModifiedWinsRegardlessOfPageSplit(t *testing.T) {
	older := providerEventJSON("ev_1", "Old title", "2026-03-01T10:00:00Z")
	newer := providerEventJSON("ev_1", "New title", "2026-03-01T12:00:00Z")

	run := func(pages map[string]provider.ChangePage) event.Record {
		storage := newFakeStorage(linkedCred(""))
		engine := NewEngine(storage, &fakeProvider{byCursor: pages}, Config{})
		if outcome, err := engine.SyncUser(context.Background(), "u_1"); err != nil || outcome != OutcomeSynced {
			t.Fatalf("sync failed: %s %v", outcome, err)
		}
		return storage.events["ev_1"]
	}

	onePage := run(map[string]provider.ChangePage{
		"": {Events: []json.RawMessage{older, newer}, NextCursor: "c1"},
	})
	split := run(map[string]provider.ChangePage{
		"":   {Events: []json.RawMessage{newer}, ContinuationCursor: "ca"},
		"ca": {Events: []json.RawMessage{older}, NextCursor: "c1"},
	})
	if onePage.Title != "New title" || split.Title != "New title" {
		t.Fatalf("later last-modified must win in any page split: %q vs %q", onePage.Title, split.Title)
	}
}

func TestSyncUserCursorRejectedRunsFullResync(t *testing.T) {
	storage := newFakeStorage(linkedCred("stale"))
	kept := event.Record{Source: event.SourceProvider, ExternalKey: "ev_live",
		Title: "Kept", SourceUpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	gone := event.Record{Source: event.SourceProvider, ExternalKey: "ev_gone",
		Title: "Gone", SourceUpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	storage.events[kept.ExternalKey] = kept
	storage.events[gone.ExternalKey] = gone

	prov := &fakeProvider{byCursor: map[string]provider.ChangePage{
		"stale": {CursorRejected: true},
		"": {
			Events:     []json.RawMessage{providerEventJSON("ev_live", "Kept", "2026-03-01T10:00:00Z")},
			NextCursor: "c9",
		},
	}}
	engine := NewEngine(storage, prov, Config{})

	outcome, err := engine.SyncUser(context.Background(), "u_1")
	if err != nil || outcome != OutcomeSynced {
		t.Fatalf("full resync failed: %s %v", outcome, err)
	}
	if !storage.events["ev_gone"].Cancelled {
		t.Fatalf("expected absent event to be tombstoned")
	}
	if storage.events["ev_live"].Cancelled {
		t.Fatalf("live event must stay untouched")
	}
	if storage.cursor() != "c9" {
		t.Fatalf("expected terminal cursor c9, got %q", storage.cursor())
	}
}

func TestSyncUserCappedFullResyncWritesNothing(t *testing.T) {
	storage := newFakeStorage(linkedCred("stale"))
	live := event.Record{Source: event.SourceProvider, ExternalKey: "ev_page2",
		Title: "On a later page", SourceUpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	storage.events[live.ExternalKey] = live

	prov := &fakeProvider{byCursor: map[string]provider.ChangePage{
		"stale": {CursorRejected: true},
		"": {
			Events:             []json.RawMessage{providerEventJSON("ev_page1", "First page", "2026-03-01T10:00:00Z")},
			ContinuationCursor: "full_2",
		},
		"full_2": {
			Events:     []json.RawMessage{providerEventJSON("ev_page2", "On a later page", "2026-03-01T10:00:00Z")},
			NextCursor: "c9",
		},
	}}
	engine := NewEngine(storage, prov, Config{MaxPages: 1})

	outcome, err := engine.SyncUser(context.Background(), "u_1")
	if outcome != OutcomeRecoverable {
		t.Fatalf("capped full resync must be recoverable, got %s", outcome)
	}
	if !errors.Is(err, ErrRecoverableSync) {
		t.Fatalf("expected ErrRecoverableSync, got %v", err)
	}
	if storage.events["ev_page2"].Cancelled {
		t.Fatalf("event still live at the provider was tombstoned by a partial window")
	}
	if _, ok := storage.events["ev_page1"]; ok {
		t.Fatalf("partial window must not be applied")
	}
	if storage.cursor() != "stale" {
		t.Fatalf("cursor must be untouched, got %q", storage.cursor())
	}
}

func TestSyncUserRevokedRefreshClearsCredential(t *testing.T) {
	cred := linkedCred("c1")
	cred.AccessToken = ""
	storage := newFakeStorage(cred)
	prov := &fakeProvider{refreshErr: fmt.Errorf("%w: invalid_grant", provider.ErrAuthRevoked)}
	engine := NewEngine(storage, prov, Config{})

	outcome, err := engine.SyncUser(context.Background(), "u_1")
	if err != nil {
		t.Fatalf("revocation is an outcome, not an error: %v", err)
	}
	if outcome != OutcomeCredentialRevoked {
		t.Fatalf("expected OutcomeCredentialRevoked, got %s", outcome)
	}
	if storage.clearCalls != 1 {
		t.Fatalf("expected credential to be cleared once, got %d", storage.clearCalls)
	}
}

func TestSyncUserTransientFailurePreservesCursor(t *testing.T) {
	storage := newFakeStorage(linkedCred("c1"))
	prov := &fakeProvider{changesErr: errors.New("rate limited")}
	engine := NewEngine(storage, prov, Config{})

	outcome, err := engine.SyncUser(context.Background(), "u_1")
	if outcome != OutcomeRecoverable {
		t.Fatalf("expected OutcomeRecoverable, got %s", outcome)
	}
	if !errors.Is(err, ErrRecoverableSync) {
		t.Fatalf("expected ErrRecoverableSync, got %v", err)
	}
	if storage.cursor() != "c1" {
		t.Fatalf("cursor must survive a transient failure, got %q", storage.cursor())
	}
}

func TestSyncUserSkipsMalformedEntries(t *testing.T) {
	storage := newFakeStorage(linkedCred(""))
	prov := &fakeProvider{byCursor: map[string]provider.ChangePage{
		"": {
			Events: []json.RawMessage{
				json.RawMessage(`{"status":"confirmed"}`),
				providerEventJSON("ev_ok", "Fine", "2026-03-01T18:00:00Z"),
			},
			NextCursor: "c1",
		},
	}}
	engine := NewEngine(storage, prov, Config{})

	outcome, err := engine.SyncUser(context.Background(), "u_1")
	if err != nil || outcome != OutcomeSynced {
		t.Fatalf("pass should survive a malformed entry: %s %v", outcome, err)
	}
	if len(storage.events) != 1 {
		t.Fatalf("expected only the well-formed entry stored, got %d", len(storage.events))
	}
}

func TestSyncUserConcurrentPassIsSkippedNotQueued(t *testing.T) {
	storage := newFakeStorage(linkedCred("c1"))
	prov := &fakeProvider{
		byCursor:     map[string]provider.ChangePage{"c1": {NextCursor: "c1"}},
		blockChanges: make(chan struct{}),
		started:      make(chan struct{}, 1),
	}
	engine := NewEngine(storage, prov, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.SyncUser(context.Background(), "u_1")
	}()
	<-prov.started

	outcome, err := engine.SyncUser(context.Background(), "u_1")
	if err != nil {
		t.Fatalf("skipped pass must not error: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("expected OutcomeSkipped for the concurrent pass, got %s", outcome)
	}

	close(prov.blockChanges)
	<-done

	if outcome, err := engine.SyncUser(context.Background(), "u_1"); err != nil || outcome != OutcomeSynced {
		t.Fatalf("pass after release should run: %s %v", outcome, err)
	}
}

func TestEnsureWatchCreatesAndSupersedes(t *testing.T) {
	cred := linkedCred("c1")
	cred.ChannelID = "ch_old"
	cred.ChannelExpiresAt = time.Now().Add(time.Hour)
	storage := newFakeStorage(cred)
	prov := &fakeProvider{watchSub: provider.Subscription{
		ChannelID: "ch_new",
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	}}
	engine := NewEngine(storage, prov, Config{RenewalThreshold: 12 * time.Hour, CallbackURL: "https://calsync.example/v1/webhooks/calendar"})

	if err := engine.EnsureWatch(context.Background(), "u_1"); err != nil {
		t.Fatalf("ensure watch failed: %v", err)
	}
	if storage.cred.ChannelID != "ch_new" {
		t.Fatalf("expected channel to be replaced, got %s", storage.cred.ChannelID)
	}
	if storage.cred.SupersededChannelID != "ch_old" {
		t.Fatalf("expected old channel recorded as superseded, got %q", storage.cred.SupersededChannelID)
	}
	if storage.cred.ChannelToken == "" {
		t.Fatalf("expected a channel token to be issued")
	}
	if len(prov.stopped) != 1 || prov.stopped[0] != "ch_old" {
		t.Fatalf("expected best-effort stop of ch_old, got %v", prov.stopped)
	}
}

func TestEnsureWatchFreshChannelIsNoop(t *testing.T) {
	cred := linkedCred("c1")
	cred.ChannelID = "ch_fresh"
	cred.ChannelExpiresAt = time.Now().Add(48 * time.Hour)
	storage := newFakeStorage(cred)
	prov := &fakeProvider{}
	engine := NewEngine(storage, prov, Config{RenewalThreshold: 12 * time.Hour})

	if err := engine.EnsureWatch(context.Background(), "u_1"); err != nil {
		t.Fatalf("ensure watch failed: %v", err)
	}
	if storage.cred.ChannelID != "ch_fresh" {
		t.Fatalf("fresh channel must be left alone, got %s", storage.cred.ChannelID)
	}
}

func TestRevokeExpiredWatchChannels(t *testing.T) {
	cred := linkedCred("c1")
	cred.ChannelID = "ch_expired"
	cred.ChannelExpiresAt = time.Now().Add(-time.Hour)
	storage := newFakeStorage(cred)
	engine := NewEngine(storage, &fakeProvider{}, Config{})

	cleared, err := engine.RevokeExpiredWatchChannels(context.Background())
	if err != nil {
		t.Fatalf("revoke expired channels failed: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared channel, got %d", cleared)
	}
	if storage.cred.ChannelID != "" {
		t.Fatalf("expected channel fields cleared")
	}

	cleared, err = engine.RevokeExpiredWatchChannels(context.Background())
	if err != nil || cleared != 0 {
		t.Fatalf("second invocation must be idempotent, got %d %v", cleared, err)
	}
}
