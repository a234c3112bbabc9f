package prowlarr

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/go-resty/resty/v2"
)

// Prowlarr is a thin client for the Prowlarr v1 REST API.
type Prowlarr struct {
	Client  *resty.Client
	APIKey  string
	BaseURL string // e.g. http://localhost:9696
}

// TorrentSearchResult is one release as reported by Prowlarr. Magnet may be empty when only a .torrent link exists.
type TorrentSearchResult struct {
	Title       string    `json:"title"`
	Size        int64     `json:"size"`
	Magnet      string    `json:"magnetUrl"`
	TorrentURL  string    `json:"downloadUrl"`
	IndexerName string    `json:"indexer"`
	InfoHash    string    `json:"infoHash"`
	Seeders     int       `json:"seeders"`
	Leechers    int       `json:"leechers"`
	PublishDate time.Time `json:"publishDate"`
}

// SearchTypeTV asks indexers for an episode search. Season and Episode only apply to it.
const SearchTypeTV = "tvsearch"

type SearchOptions struct {
	Offset     int
	Limit      int
	IndexerIDs []int
	Categories []int
	Type       string
	Season     int
	Episode    int
}

func NewProwlarr(baseURL, apiKey string, timeout time.Duration) *Prowlarr {
	baseURL = strings.TrimSuffix(baseURL, "/")
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("X-Api-Key", apiKey).
		SetTimeout(timeout)
	logutils.Log.Infof("Initialized Prowlarr client with baseURL: %s", baseURL)
	return &Prowlarr{
		Client:  client,
		APIKey:  apiKey,
		BaseURL: baseURL,
	}
}

// StatusError is returned for non-2xx replies.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("prowlarr %s error: HTTP %d", e.Op, e.Status)
}

// SearchTorrents runs a free-text search across the selected indexers (all when IndexerIDs is empty).
func (p *Prowlarr) SearchTorrents(ctx context.Context, query string, opts SearchOptions) ([]TorrentSearchResult, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("type", "search")
	if opts.Type != "" {
		params.Set("type", opts.Type)
	}
	if opts.Type == SearchTypeTV && opts.Season > 0 {
		params.Set("season", strconv.Itoa(opts.Season))
		if opts.Episode > 0 {
			params.Set("ep", strconv.Itoa(opts.Episode))
		}
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	for _, id := range opts.IndexerIDs {
		params.Add("indexerIds", strconv.Itoa(id))
	}
	for _, cat := range opts.Categories {
		params.Add("categories", strconv.Itoa(cat))
	}

	logutils.Log.WithFields(map[string]any{
		"query":      query,
		"indexers":   opts.IndexerIDs,
		"categories": opts.Categories,
	}).Debug("Searching Prowlarr")

	var results []TorrentSearchResult
	resp, err := p.Client.R().
		SetContext(ctx).
		SetQueryString(params.Encode()).
		SetResult(&results).
		Get("/api/v1/search")
	if err != nil {
		return nil, fmt.Errorf("failed to perform search request: %w", err)
	}
	if resp.IsError() {
		return nil, &StatusError{Op: "search", Status: resp.StatusCode()}
	}
	if results == nil {
		results = []TorrentSearchResult{}
	}
	logutils.Log.Debugf("Prowlarr search returned %d results", len(results))
	return results, nil
}

// Indexer is one configured Prowlarr indexer.
type Indexer struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Enable   bool   `json:"enable"`
	Protocol string `json:"protocol"`
}

// GetIndexers lists configured indexers.
func (p *Prowlarr) GetIndexers(ctx context.Context) ([]Indexer, error) {
	var indexers []Indexer
	resp, err := p.Client.R().
		SetContext(ctx).
		SetResult(&indexers).
		Get("/api/v1/indexer")
	if err != nil {
		return nil, fmt.Errorf("failed to request indexers: %w", err)
	}
	if resp.IsError() {
		return nil, &StatusError{Op: "indexer", Status: resp.StatusCode()}
	}
	logutils.Log.Debugf("Prowlarr returned %d indexers", len(indexers))
	return indexers, nil
}
