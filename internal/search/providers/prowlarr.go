package providers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/prowlarr"
	"github.com/NikitaDmitryuk/mediadash/internal/search"
)

const (
	categoryMovies = 2000
	categoryTV     = 5000
)

type Prowlarr struct {
	client  *prowlarr.Prowlarr
	timeout time.Duration
}

func NewProwlarr(baseURL, apiKey string, timeout time.Duration) *Prowlarr {
	return &Prowlarr{
		client:  prowlarr.NewProwlarr(baseURL, apiKey, timeout),
		timeout: timeout,
	}
}

func (p *Prowlarr) Name() string { return "prowlarr" }

// Client exposes the underlying API client for indexer diagnostics.
func (p *Prowlarr) Client() *prowlarr.Prowlarr { return p.client }

func (p *Prowlarr) Search(ctx context.Context, q search.Query) ([]models.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	opts := prowlarr.SearchOptions{}
	switch q.Kind {
	case models.MediaMovie:
		opts.Categories = []int{categoryMovies}
	case models.MediaShow:
		opts.Categories = []int{categoryTV}
		if q.Season != nil {
			opts.Type = prowlarr.SearchTypeTV
			opts.Season = *q.Season
			if q.Episode != nil {
				opts.Episode = *q.Episode
			}
		}
	}

	raw, err := p.client.SearchTorrents(ctx, queryText(q), opts)
	if err != nil {
		var statusErr *prowlarr.StatusError
		if errors.As(err, &statusErr) {
			return nil, failure(p.Name(), err, map[string]any{"status": statusErr.Status})
		}
		return nil, failure(p.Name(), err, nil)
	}

	results := make([]models.SearchResult, 0, len(raw))
	for _, r := range raw {
		locator := r.Magnet
		if locator == "" {
			locator = r.TorrentURL
		}
		if locator == "" || strings.TrimSpace(r.Title) == "" {
			continue
		}
		res := newResult(p.Name(), r.Title, locator, r.Size, r.Seeders, r.Leechers)
		res.InfoHash = strings.ToLower(r.InfoHash)
		if !r.PublishDate.IsZero() {
			published := r.PublishDate
			res.UploadDate = &published
		}
		results = append(results, res)
	}
	return results, nil
}
