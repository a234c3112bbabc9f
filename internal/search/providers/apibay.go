package providers

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/search"
	"github.com/go-resty/resty/v2"
)

var apibayTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
}

// apibayRow mirrors the q.php reply. Every value arrives as a string.
type apibayRow struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	InfoHash string `json:"info_hash"`
	Seeders  string `json:"seeders"`
	Leechers string `json:"leechers"`
	Size     string `json:"size"`
	Added    string `json:"added"`
}

type Apibay struct {
	client  *resty.Client
	timeout time.Duration
}

func NewApibay(baseURL string, timeout time.Duration) *Apibay {
	return &Apibay{
		client:  resty.New().SetBaseURL(strings.TrimSuffix(baseURL, "/")).SetTimeout(timeout),
		timeout: timeout,
	}
}

func (a *Apibay) Name() string { return "apibay" }

func (a *Apibay) Search(ctx context.Context, q search.Query) ([]models.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var rows []apibayRow
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("q", queryText(q)).
		SetResult(&rows).
		ForceContentType("application/json").
		Get("/q.php")
	if err != nil {
		return nil, failure(a.Name(), err, nil)
	}
	if resp.IsError() {
		return nil, failure(a.Name(), errStatus(resp.StatusCode()), map[string]any{"status": resp.StatusCode()})
	}

	results := make([]models.SearchResult, 0, len(rows))
	for _, row := range rows {
		if row.ID == "0" || row.InfoHash == "" {
			continue
		}
		size, _ := strconv.ParseInt(row.Size, 10, 64)
		seeds, _ := strconv.Atoi(row.Seeders)
		peers, _ := strconv.Atoi(row.Leechers)

		res := newResult(a.Name(), row.Name, buildMagnet(row.InfoHash, row.Name), size, seeds, peers)
		res.InfoHash = strings.ToLower(row.InfoHash)
		if added, convErr := strconv.ParseInt(row.Added, 10, 64); convErr == nil && added > 0 {
			at := time.Unix(added, 0).UTC()
			res.UploadDate = &at
		}
		results = append(results, res)
	}
	return results, nil
}

func buildMagnet(infoHash, name string) string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(strings.ToLower(infoHash))
	b.WriteString("&dn=")
	b.WriteString(url.QueryEscape(name))
	for _, tr := range apibayTrackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}
