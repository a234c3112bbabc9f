package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/search"
	"github.com/PuerkitoBio/goquery"
	"github.com/dustin/go-humanize"
	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
)

const (
	detailConcurrency = 4
	maxListingRows    = 20
)

type errStatus int

func (e errStatus) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", int(e))
}

// HTMLIndex scrapes a 1337x-style listing and reads the magnet from each detail page.
type HTMLIndex struct {
	client  *resty.Client
	timeout time.Duration
}

type listingRow struct {
	title  string
	detail string
	size   int64
	seeds  int
	peers  int
}

func NewHTMLIndex(baseURL string, timeout time.Duration) *HTMLIndex {
	return &HTMLIndex{
		client:  resty.New().SetBaseURL(strings.TrimSuffix(baseURL, "/")).SetTimeout(timeout),
		timeout: timeout,
	}
}

func (h *HTMLIndex) Name() string { return "htmlindex" }

func (h *HTMLIndex) Search(ctx context.Context, q search.Query) ([]models.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	doc, err := h.fetch(ctx, "/search/"+url.PathEscape(queryText(q))+"/1/")
	if err != nil {
		return nil, err
	}
	rows := parseListing(doc)
	if len(rows) == 0 {
		return []models.SearchResult{}, nil
	}

	var (
		mu      sync.Mutex
		results = make([]models.SearchResult, 0, len(rows))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(detailConcurrency)
	for _, row := range rows {
		g.Go(func() error {
			magnet, detailErr := h.magnetFor(gctx, row.detail)
			if detailErr != nil {
				logutils.Log.WithError(detailErr).WithField("detail", row.detail).Debug("Skipping listing row")
				return nil
			}
			res := newResult(h.Name(), row.title, magnet, row.size, row.seeds, row.peers)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(results) == 0 && ctx.Err() != nil {
		return nil, failure(h.Name(), ctx.Err(), nil)
	}
	return results, nil
}

func (h *HTMLIndex) fetch(ctx context.Context, path string) (*goquery.Document, error) {
	resp, err := h.client.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, failure(h.Name(), err, map[string]any{"path": path})
	}
	if resp.IsError() {
		return nil, failure(h.Name(), errStatus(resp.StatusCode()), map[string]any{
			"path":   path,
			"status": resp.StatusCode(),
		})
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, failure(h.Name(), err, map[string]any{"path": path})
	}
	return doc, nil
}

var errNoMagnet = errors.New("detail page has no magnet link")

func (h *HTMLIndex) magnetFor(ctx context.Context, detail string) (string, error) {
	doc, err := h.fetch(ctx, detail)
	if err != nil {
		return "", err
	}
	href, ok := doc.Find(`a[href^="magnet:"]`).First().Attr("href")
	if !ok || href == "" {
		return "", errNoMagnet
	}
	return href, nil
}

func parseListing(doc *goquery.Document) []listingRow {
	var rows []listingRow
	doc.Find("table.table-list tbody tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		link := tr.Find(`td.name a[href^="/torrent/"]`).First()
		detail, ok := link.Attr("href")
		title := strings.TrimSpace(link.Text())
		if !ok || title == "" {
			return true
		}
		rows = append(rows, listingRow{
			title:  title,
			detail: detail,
			size:   parseSize(ownText(tr.Find("td.size"))),
			seeds:  atoi(tr.Find("td.seeds").Text()),
			peers:  atoi(tr.Find("td.leeches").Text()),
		})
		return len(rows) < maxListingRows
	})
	return rows
}

// ownText returns the selection's text without the text of its child elements.
func ownText(s *goquery.Selection) string {
	return strings.TrimSpace(s.Clone().Children().Remove().End().Text())
}

func parseSize(s string) int64 {
	n, err := humanize.ParseBytes(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return 0
	}
	return int64(n)
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(strings.ReplaceAll(s, ",", "")))
	if err != nil {
		return 0
	}
	return n
}
