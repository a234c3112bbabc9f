package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/NikitaDmitryuk/mediadash/internal/config"
	"github.com/NikitaDmitryuk/mediadash/internal/database"
	"github.com/NikitaDmitryuk/mediadash/internal/downloader/manager"
	"github.com/NikitaDmitryuk/mediadash/internal/engine"
	"github.com/NikitaDmitryuk/mediadash/internal/engine/anacrolix"
	"github.com/NikitaDmitryuk/mediadash/internal/engine/qbittorrent"
	"github.com/NikitaDmitryuk/mediadash/internal/hub"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/metrics"
	"github.com/NikitaDmitryuk/mediadash/internal/notifier"
	"github.com/NikitaDmitryuk/mediadash/internal/search"
	"github.com/NikitaDmitryuk/mediadash/internal/search/providers"
	"github.com/NikitaDmitryuk/mediadash/internal/utils"
)

const dirMode = 0o755

// New builds every component, restores persisted downloads and starts background workers.
// On error everything built so far is closed.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	for _, dir := range []string{cfg.DataDir, cfg.MediaPath} {
		if mkErr := os.MkdirAll(dir, dirMode); mkErr != nil {
			return nil, utils.WrapError(mkErr, "failed to create directory", map[string]any{"path": dir})
		}
	}

	store, err := database.NewDatabase(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	a.onClose(closeStore(store))

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.onClose(closeEngine(eng))

	met := metrics.New()
	a.Metrics = met.Handler()

	h := hub.New(cfg.HubSettings.SubscriberBuffer, hub.WithDropHook(met.SubscriberDropped))
	a.Hub = h
	a.onClose(func(context.Context) error {
		h.Close()
		return nil
	})

	dm := manager.NewDownloadManager(eng, store, h, manager.OptionsFromConfig(cfg))
	a.Downloads = dm
	a.onClose(func(ctx context.Context) error {
		dm.Close(ctx)
		return nil
	})
	if err = dm.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore downloads: %w", err)
	}
	met.WatchDownloads(dm.CountByStatus)
	met.WatchSubscribers(h.SubscriberCount)

	provs, prow := buildProviders(cfg)
	if prow != nil {
		a.Indexers = prow.Client()
	}
	a.Search = search.NewAggregator(provs, cfg.SearchSettings.SearchTimeout, cfg.SearchSettings.CacheTTL,
		search.WithRecorder(met))

	if cfg.WebhookURL != "" {
		startWebhook(a, notifier.NewWebhook(cfg.WebhookURL, cfg.WebhookToken), h)
	}

	logutils.Log.WithFields(map[string]any{
		"engine":    cfg.EngineSettings.Kind,
		"providers": a.Search.Providers(),
		"downloads": len(dm.List()),
	}).Info("Application initialized")
	return a, nil
}

func newEngine(ctx context.Context, cfg *config.Config) (engine.Engine, error) {
	s := cfg.EngineSettings
	switch s.Kind {
	case config.EngineQBittorrent:
		return qbittorrent.New(ctx, qbittorrent.Config{
			URL:             s.QBittorrentURL,
			Username:        s.QBittorrentUser,
			Password:        s.QBittorrentPass,
			PollInterval:    s.PollInterval,
			MetadataTimeout: s.MetadataTimeout,
		})
	default:
		return anacrolix.New(anacrolix.Config{
			DataDir:         filepath.Join(cfg.DataDir, "engine"),
			ListenPort:      s.ListenPort,
			DownloadLimit:   int64(s.DownloadLimitBytes),
			UploadLimit:     int64(s.UploadLimitBytes),
			PollInterval:    s.PollInterval,
			MetadataTimeout: s.MetadataTimeout,
		})
	}
}

// buildProviders enables every provider whose base URL is configured.
func buildProviders(cfg *config.Config) ([]search.Provider, *providers.Prowlarr) {
	s := cfg.SearchSettings
	var (
		out  []search.Provider
		prow *providers.Prowlarr
	)
	if s.ProwlarrURL != "" && s.ProwlarrAPIKey != "" {
		prow = providers.NewProwlarr(s.ProwlarrURL, s.ProwlarrAPIKey, s.ProviderTimeout)
		out = append(out, prow)
	}
	if s.ApibayURL != "" {
		out = append(out, providers.NewApibay(s.ApibayURL, s.ProviderTimeout))
	}
	if s.HTMLIndexURL != "" {
		out = append(out, providers.NewHTMLIndex(s.HTMLIndexURL, s.ProviderTimeout))
	}
	if len(out) == 0 {
		logutils.Log.Warn("No search providers configured, search will always be empty")
	}
	return out, prow
}

func startWebhook(a *App, wh *notifier.Webhook, src notifier.Source) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		wh.Run(ctx, src)
	}()
	a.onClose(func(stopCtx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	})
	logutils.Log.Info("Completion webhook enabled")
}

// NewSearcher builds only the search aggregator, for one-shot CLI queries.
func NewSearcher(cfg *config.Config) *search.Aggregator {
	provs, _ := buildProviders(cfg)
	return search.NewAggregator(provs, cfg.SearchSettings.SearchTimeout, 0)
}
