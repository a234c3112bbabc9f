// Package providers holds the search.Provider adapters for each supported torrent index.
package providers

import (
	"fmt"
	"strings"

	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/search"
	"github.com/NikitaDmitryuk/mediadash/internal/utils"
	"github.com/cehbz/torrentname"
	"github.com/dustin/go-humanize"
)

// failure wraps a provider error so callers can match utils.ErrProviderFailure and the cause.
func failure(provider string, err error, ctx map[string]any) error {
	if ctx == nil {
		ctx = make(map[string]any)
	}
	ctx["provider"] = provider
	return utils.WrapError(fmt.Errorf("%w: %w", utils.ErrProviderFailure, err), provider, ctx)
}

// queryText is the free text sent to an index. Show searches carry an SxxEyy or Sxx hint.
func queryText(q search.Query) string {
	text := strings.TrimSpace(q.Text)
	if q.Kind != models.MediaShow || q.Season == nil {
		return text
	}
	if q.Episode != nil {
		return fmt.Sprintf("%s S%02dE%02d", text, *q.Season, *q.Episode)
	}
	return fmt.Sprintf("%s S%02d", text, *q.Season)
}

func newResult(source, title, locator string, size int64, seeds, peers int) models.SearchResult {
	r := models.SearchResult{
		Source:    source,
		Title:     strings.TrimSpace(title),
		Locator:   locator,
		SizeBytes: max(size, 0),
		Seeds:     max(seeds, 0),
		Peers:     max(peers, 0),
	}
	r.Size = humanize.IBytes(uint64(r.SizeBytes))
	annotate(&r)
	return r
}

// annotate fills Quality and Codec from the release name when it parses.
func annotate(r *models.SearchResult) {
	info, err := torrentname.Parse(r.Title)
	if err != nil || info == nil {
		return
	}
	r.Quality = info.Resolution
	if r.Quality == "" {
		r.Quality = info.Quality
	}
	r.Codec = info.Codec
}
