package search

import (
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/cehbz/torrentname"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

func filterRelevant(q Query, results []models.SearchResult) []models.SearchResult {
	needle := normalizeTitle(q.Text)
	out := results[:0]
	for _, r := range results {
		if fuzzy.MatchNormalizedFold(needle, normalizeTitle(r.Title)) {
			out = append(out, r)
		}
	}
	return out
}

// filterEpisodes keeps titles that cannot be parsed or whose season/episode agrees with the hint.
func filterEpisodes(q Query, results []models.SearchResult) []models.SearchResult {
	if q.Kind != models.MediaShow || (q.Season == nil && q.Episode == nil) {
		return results
	}
	out := results[:0]
	for _, r := range results {
		info, err := torrentname.Parse(r.Title)
		if err != nil || info == nil {
			out = append(out, r)
			continue
		}
		if q.Season != nil && info.Season != 0 && info.Season != *q.Season {
			continue
		}
		if q.Episode != nil && info.Episode != 0 && info.Episode != *q.Episode {
			continue
		}
		out = append(out, r)
	}
	return out
}
