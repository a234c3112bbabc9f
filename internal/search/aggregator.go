package search

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/utils"
	"github.com/autobrr/autobrr/pkg/ttlcache"
	"golang.org/x/sync/errgroup"
)

// Recorder receives per-search observations. The metrics package implements it.
type Recorder interface {
	ProviderError(provider string)
	SearchCompleted(elapsed time.Duration, results int, cached bool)
}

type Aggregator struct {
	providers []Provider
	timeout   time.Duration
	cache     *ttlcache.Cache[string, []models.SearchResult]
	recorder  Recorder
}

type Option func(*Aggregator)

func WithRecorder(r Recorder) Option {
	return func(a *Aggregator) { a.recorder = r }
}

// NewAggregator builds an aggregator. cacheTTL <= 0 disables caching.
func NewAggregator(providers []Provider, timeout, cacheTTL time.Duration, opts ...Option) *Aggregator {
	a := &Aggregator{
		providers: providers,
		timeout:   timeout,
	}
	if cacheTTL > 0 {
		a.cache = ttlcache.New(ttlcache.Options[string, []models.SearchResult]{}.SetDefaultTTL(cacheTTL))
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Providers() []string {
	names := make([]string, 0, len(a.providers))
	for _, p := range a.providers {
		names = append(names, p.Name())
	}
	return names
}

// Search never fails because of providers: failures and timeouts are logged and skipped.
func (a *Aggregator) Search(ctx context.Context, q Query) ([]models.SearchResult, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, utils.ErrInvalidQuery
	}
	start := time.Now()

	key := q.cacheKey()
	if a.cache != nil {
		if cached, ok := a.cache.Get(key); ok {
			a.completed(start, len(cached), true)
			return cloneResults(cached), nil
		}
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var (
		mu       sync.Mutex
		merged   []models.SearchResult
		finished bool
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range a.providers {
		g.Go(func() error {
			results, err := p.Search(gctx, q)
			if err == nil && gctx.Err() != nil {
				err = gctx.Err()
			}
			if err != nil {
				logutils.Log.WithError(err).
					WithFields(utils.ErrorContext(err)).
					WithField("provider", p.Name()).
					Warn("Search provider failed")
				if a.recorder != nil {
					a.recorder.ProviderError(p.Name())
				}
				return nil
			}
			mu.Lock()
			if !finished {
				merged = append(merged, results...)
			}
			mu.Unlock()
			return nil
		})
	}

	// Providers that ignore ctx must not hold the response past the deadline.
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logutils.Log.WithField("query", q.Text).Warn("Search deadline reached, returning partial results")
	}

	mu.Lock()
	finished = true
	collected := merged
	mu.Unlock()

	results := dedup(collected)
	if q.FilterEpisodes {
		results = filterEpisodes(q, results)
	}
	if q.Strict {
		results = filterRelevant(q, results)
	}
	sortResults(results)

	if a.cache != nil && len(results) > 0 {
		a.cache.Set(key, cloneResults(results), ttlcache.DefaultTTL)
	}
	a.completed(start, len(results), false)
	return results, nil
}

func (a *Aggregator) completed(start time.Time, n int, cached bool) {
	logutils.Log.WithFields(map[string]any{
		"results": n,
		"cached":  cached,
		"elapsed": time.Since(start).String(),
	}).Debug("Search finished")
	if a.recorder != nil {
		a.recorder.SearchCompleted(time.Since(start), n, cached)
	}
}

func cloneResults(in []models.SearchResult) []models.SearchResult {
	out := make([]models.SearchResult, len(in))
	copy(out, in)
	return out
}
