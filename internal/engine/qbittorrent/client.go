package qbittorrent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	apiPrefix     = "/api/v2"
	clientTimeout = 30 * time.Second
	failsBody     = "Fails."
)

var (
	ErrLoginFailed = errors.New("qBittorrent: login failed")
	ErrAddRejected = errors.New("qBittorrent: torrent add rejected")
)

// APIError is a non-2xx reply from the Web API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qBittorrent: %s failed status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Client talks to qBittorrent Web API (v2). The session cookie lives in resty's cookie jar.
type Client struct {
	baseURL  string
	username string
	password string
	http     *resty.Client
}

// NewClient builds a client. baseURL is the Web UI root, e.g. "http://localhost:8080".
func NewClient(baseURL, username, password string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http: resty.New().
			SetBaseURL(baseURL+apiPrefix).
			SetTimeout(clientTimeout).
			SetHeader("Referer", baseURL+"/"),
	}
}

// Login authenticates and stores the session cookie.
func (c *Client) Login(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": c.username,
			"password": c.password,
		}).
		Post("/auth/login")
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusForbidden {
		return fmt.Errorf("%w: forbidden (IP banned or too many attempts)", ErrLoginFailed)
	}
	if resp.IsError() {
		return &APIError{Op: "login", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if strings.TrimSpace(resp.String()) == failsBody {
		return fmt.Errorf("%w: wrong credentials", ErrLoginFailed)
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, op, path string, form map[string]string) (*resty.Response, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(path)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return resp, &APIError{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return resp, nil
}

// AddTorrentFromURLs adds a torrent from magnet or .torrent URL. savepath is the download directory.
func (c *Client) AddTorrentFromURLs(ctx context.Context, urls, savepath string) error {
	resp, err := c.postForm(ctx, "add urls", "/torrents/add", map[string]string{
		"urls":     urls,
		"savepath": savepath,
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp.String()) == failsBody {
		return ErrAddRejected
	}
	return nil
}

// AddTorrentFromFile uploads a .torrent file. savepath is the download directory.
func (c *Client) AddTorrentFromFile(ctx context.Context, filename string, torrentBody []byte, savepath string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("torrents", filename, bytes.NewReader(torrentBody)).
		SetFormData(map[string]string{"savepath": savepath}).
		Post("/torrents/add")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &APIError{Op: "add file", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if strings.TrimSpace(resp.String()) == failsBody {
		return ErrAddRejected
	}
	return nil
}

// TorrentInfo is one entry from /torrents/info.
type TorrentInfo struct {
	Hash       string  `json:"hash"`
	Name       string  `json:"name"`
	Progress   float64 `json:"progress"`
	State      string  `json:"state"`
	Size       int64   `json:"size"`
	TotalSize  int64   `json:"total_size"`
	Completed  int64   `json:"completed"`
	AmountLeft int64   `json:"amount_left"`
	DlSpeed    int64   `json:"dlspeed"`
	UpSpeed    int64   `json:"upspeed"`
	NumSeeds   int     `json:"num_seeds"`
	NumLeechs  int     `json:"num_leechs"`
	SavePath   string  `json:"save_path"`
}

// TorrentsInfo returns the torrents with the given hashes, or every torrent when hashes is empty.
func (c *Client) TorrentsInfo(ctx context.Context, hashes []string) ([]TorrentInfo, error) {
	req := c.http.R().SetContext(ctx)
	if len(hashes) > 0 {
		req.SetQueryParam("hashes", strings.Join(hashes, "|"))
	}
	var list []TorrentInfo
	resp, err := req.SetResult(&list).Get("/torrents/info")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &APIError{Op: "torrents/info", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return list, nil
}

// PauseTorrents uses /torrents/pause and falls back to /torrents/stop, its name since qBittorrent 5.
func (c *Client) PauseTorrents(ctx context.Context, hashes []string) error {
	return c.withFallback(ctx, "pause", "/torrents/pause", "/torrents/stop", hashes)
}

// ResumeTorrents uses /torrents/resume and falls back to /torrents/start.
func (c *Client) ResumeTorrents(ctx context.Context, hashes []string) error {
	return c.withFallback(ctx, "resume", "/torrents/resume", "/torrents/start", hashes)
}

func (c *Client) withFallback(ctx context.Context, op, path, fallback string, hashes []string) error {
	form := map[string]string{"hashes": strings.Join(hashes, "|")}
	_, err := c.postForm(ctx, op, path, form)
	if statusOf(err) == http.StatusNotFound {
		_, err = c.postForm(ctx, op, fallback, form)
	}
	return err
}

// DeleteTorrent removes the torrent. deleteFiles: if true, deletes downloaded data.
func (c *Client) DeleteTorrent(ctx context.Context, hash string, deleteFiles bool) error {
	_, err := c.postForm(ctx, "delete", "/torrents/delete", map[string]string{
		"hashes":      hash,
		"deleteFiles": fmt.Sprintf("%t", deleteFiles),
	})
	return err
}
