package search

import (
	"sort"
	"strings"
	"unicode"

	"github.com/NikitaDmitryuk/mediadash/internal/models"
)

const minSizeTolerance = 1 << 20

// normalizeTitle lowercases s and collapses every run of non-alphanumerics into one space.
func normalizeTitle(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

func sizesClose(a, b int64) bool {
	larger := max(a, b)
	tolerance := max(int64(minSizeTolerance), larger/50)
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// dedup merges near-duplicates. The entry with more seeds survives; ties keep the first seen.
func dedup(results []models.SearchResult) []models.SearchResult {
	out := make([]models.SearchResult, 0, len(results))
	keys := make([]string, 0, len(results))

	for _, r := range results {
		key := normalizeTitle(r.Title)
		merged := false
		for i := range out {
			if keys[i] != key || !sizesClose(out[i].SizeBytes, r.SizeBytes) {
				continue
			}
			if r.Seeds > out[i].Seeds {
				out[i] = fillMissing(r, out[i])
			} else {
				out[i] = fillMissing(out[i], r)
			}
			merged = true
			break
		}
		if !merged {
			out = append(out, r)
			keys = append(keys, key)
		}
	}
	return out
}

func fillMissing(keep, drop models.SearchResult) models.SearchResult {
	if keep.Quality == "" {
		keep.Quality = drop.Quality
	}
	if keep.Codec == "" {
		keep.Codec = drop.Codec
	}
	if keep.UploadDate == nil {
		keep.UploadDate = drop.UploadDate
	}
	if keep.InfoHash == "" {
		keep.InfoHash = drop.InfoHash
	}
	return keep
}

func sortResults(results []models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Seeds != results[j].Seeds {
			return results[i].Seeds > results[j].Seeds
		}
		return results[i].SizeBytes > results[j].SizeBytes
	})
}
