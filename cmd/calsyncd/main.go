package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/teamtrack/calsync/internal/config"
	"github.com/teamtrack/calsync/internal/feed"
	"github.com/teamtrack/calsync/internal/feedwatch"
	"github.com/teamtrack/calsync/internal/httpapi"
	"github.com/teamtrack/calsync/internal/logging"
	"github.com/teamtrack/calsync/internal/provider"
	"github.com/teamtrack/calsync/internal/store"
	syncengine "github.com/teamtrack/calsync/internal/sync"
)

func main() {
	configPath := flag.String("config", os.Getenv("CALSYNC_CONFIG"), "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("loading configuration", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.LogLevel)

	st, err := store.New(cfg.PostgresDSN)
	if err != nil {
		logging.Error("configuring storage", err)
		os.Exit(1)
	}
	defer st.Close()

	client := provider.NewClient(provider.ClientConfig{
		BaseURL:      cfg.Provider.BaseURL,
		TokenURL:     cfg.Provider.TokenURL,
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
	})
	engine := syncengine.NewEngine(st, client, syncengine.Config{
		CallbackURL: cfg.Provider.CallbackURL,
	})

	importer := &subscribingImporter{
		inner: feed.NewImporter(feed.NewFetcher(nil), st, feed.ImporterConfig{}),
		subs:  st,
	}

	server := httpapi.NewServer(engine, importer, st, st, httpapi.ServerConfig{
		JWTSecret:   cfg.JWTSecret,
		WebhookWait: cfg.WebhookWait.Std(),
		SyncTimeout: cfg.SyncTimeout.Std(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := cron.New()
	mustSchedule(scheduler, cfg.RenewCron, "channel renewal", func() {
		engine.RenewDueWatchChannels(ctx)
	})
	mustSchedule(scheduler, cfg.RevokeCron, "channel revocation", func() {
		if _, err := engine.RevokeExpiredWatchChannels(ctx); err != nil {
			logging.Error("clearing expired watch channels", err)
		}
	})
	mustSchedule(scheduler, cfg.FeedRefreshCron, "feed refresh", func() {
		refreshFeeds(ctx, st, importer)
	})
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.FeedDropDir != "" {
		watcher, err := feedwatch.New(feedwatch.Config{Dir: cfg.FeedDropDir}, importer.inner)
		if err != nil {
			logging.Error("configuring feed drop watcher", err, "dir", cfg.FeedDropDir)
			os.Exit(1)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logging.Error("feed drop watcher stopped", err, "dir", cfg.FeedDropDir)
			}
		}()
	}

	logging.Info("calsyncd listening", "addr", cfg.Listen)
	if err := http.ListenAndServe(cfg.Listen, server); err != nil {
		logging.Error("server failed", err)
		os.Exit(1)
	}
}

func mustSchedule(scheduler *cron.Cron, spec, name string, fn func()) {
	if _, err := scheduler.AddFunc(spec, fn); err != nil {
		logging.Error("invalid cron expression", err, "job", name, "spec", spec)
		os.Exit(1)
	}
}

// subscribingImporter records a feed URL as a subscription once it has
// imported cleanly, so the cron refresh keeps it current afterwards.
type subscribingImporter struct {
	inner *feed.Importer
	subs  feedSubscriptionStore
}

type feedSubscriptionStore interface {
	SaveFeedSubscription(ctx context.Context, userID, url string) error
	FeedSubscriptions(ctx context.Context) ([]store.FeedSubscription, error)
}

func (si *subscribingImporter) ImportFeed(ctx context.Context, userID, feedURL string) (feed.Report, error) {
	report, err := si.inner.ImportFeed(ctx, userID, feedURL)
	if err != nil {
		return report, err
	}
	if err := si.subs.SaveFeedSubscription(ctx, userID, feedURL); err != nil {
		logging.Error("recording feed subscription", err, "user_id", userID)
	}
	return report, nil
}

func refreshFeeds(ctx context.Context, subs feedSubscriptionStore, importer *subscribingImporter) {
	list, err := subs.FeedSubscriptions(ctx)
	if err != nil {
		logging.Error("listing feed subscriptions", err)
		return
	}
	for _, sub := range list {
		report, err := importer.inner.ImportFeed(ctx, sub.UserID, sub.URL)
		if err != nil {
			logging.Error("scheduled feed refresh failed", err, "user_id", sub.UserID)
			continue
		}
		logging.Info("scheduled feed refresh finished",
			"user_id", sub.UserID,
			"added", report.Added,
			"updated", report.Updated,
			"entry_errors", len(report.Errors))
	}
}
