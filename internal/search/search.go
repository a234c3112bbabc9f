// Package search fans a query out to every configured provider and merges the answers.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/NikitaDmitryuk/mediadash/internal/models"
)

type Query struct {
	Text    string
	Kind    models.MediaKind
	Season  *int
	Episode *int
	// Strict keeps only titles that fuzzy-match Text.
	Strict bool
	// FilterEpisodes drops show results whose parsed season or episode contradicts the hint.
	FilterEpisodes bool
}

// Provider is one torrent index. Search returns an empty slice and nil error for "no results";
// any other failure wraps utils.ErrProviderFailure.
type Provider interface {
	Name() string
	Search(ctx context.Context, q Query) ([]models.SearchResult, error)
}

func (q Query) cacheKey() string {
	var b strings.Builder
	b.WriteString(normalizeTitle(q.Text))
	b.WriteString("|")
	b.WriteString(string(q.Kind))
	if q.Season != nil {
		fmt.Fprintf(&b, "|s%d", *q.Season)
	}
	if q.Episode != nil {
		fmt.Fprintf(&b, "|e%d", *q.Episode)
	}
	if q.Strict {
		b.WriteString("|strict")
	}
	if q.FilterEpisodes {
		b.WriteString("|episodes")
	}
	return b.String()
}
