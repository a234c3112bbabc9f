// Package app wires the acquisition core into one running process.
package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/NikitaDmitryuk/mediadash/internal/config"
	"github.com/NikitaDmitryuk/mediadash/internal/database"
	"github.com/NikitaDmitryuk/mediadash/internal/downloader/manager"
	"github.com/NikitaDmitryuk/mediadash/internal/engine"
	"github.com/NikitaDmitryuk/mediadash/internal/hub"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/prowlarr"
	"github.com/NikitaDmitryuk/mediadash/internal/search"
)

type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]models.SearchResult, error)
	Providers() []string
}

type IndexerLister interface {
	GetIndexers(ctx context.Context) ([]prowlarr.Indexer, error)
}

type Broadcaster interface {
	Subscribe() *hub.Subscription
	Unsubscribe(sub *hub.Subscription)
}

// App is what the API handlers see. Indexers and Metrics are nil when not configured.
type App struct {
	Config    *config.Config
	Downloads manager.Service
	Search    Searcher
	Indexers  IndexerLister
	Hub       Broadcaster
	Metrics   http.Handler

	closers []func(ctx context.Context) error
}

// Close releases components in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

func closeStore(store database.Store) func(context.Context) error {
	return func(context.Context) error {
		logutils.Log.Info("Closing database")
		return store.Close()
	}
}

func closeEngine(eng engine.Engine) func(context.Context) error {
	return func(context.Context) error {
		logutils.Log.Info("Closing transfer engine")
		return eng.Close()
	}
}
