// Package qbittorrent drives an external qBittorrent instance through its Web API.
package qbittorrent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/engine"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/go-resty/resty/v2"
)

const (
	eventBufferSize     = 256
	defaultPollInterval = time.Second
)

type Config struct {
	URL             string
	Username        string
	Password        string
	PollInterval    time.Duration
	MetadataTimeout time.Duration
}

type Engine struct {
	cfg     Config
	client  *Client
	fetcher *resty.Client
	events  chan engine.Event

	mu      sync.Mutex
	tracked map[engine.Handle]*trackedTorrent
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type trackedTorrent struct {
	savePath string
	addedAt  time.Time
	warned   bool
	done     bool
}

// New logs in and starts the poll loop.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	client := NewClient(cfg.URL, cfg.Username, cfg.Password)
	if err := client.Login(ctx); err != nil {
		return nil, fmt.Errorf("failed to log in to qBittorrent: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		client:  client,
		fetcher: resty.New().SetTimeout(clientTimeout),
		events:  make(chan engine.Event, eventBufferSize),
		tracked: make(map[engine.Handle]*trackedTorrent),
		ctx:     runCtx,
		cancel:  cancel,
	}
	e.wg.Add(1)
	go e.poll()

	logutils.Log.WithField("url", cfg.URL).Info("qBittorrent engine connected")
	return e, nil
}

func (e *Engine) Events() <-chan engine.Event {
	return e.events
}

// call runs fn and retries it once after a fresh login when the session expired.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	err := fn()
	if statusOf(err) != http.StatusForbidden {
		return err
	}
	logutils.Log.Debug("qBittorrent session expired, logging in again")
	if loginErr := e.client.Login(ctx); loginErr != nil {
		return errors.Join(err, loginErr)
	}
	return fn()
}

func (e *Engine) Add(ctx context.Context, locator, savePath string) (engine.Handle, error) {
	loc, err := engine.ParseLocator(locator)
	if err != nil {
		return "", engine.Rejected(err, locator)
	}
	savePath = filepath.Clean(savePath)

	var (
		hash    string
		payload []byte
		name    string
	)
	switch loc.Kind {
	case engine.LocatorMagnet:
		hash = loc.InfoHash
	case engine.LocatorTorrentURL, engine.LocatorTorrentFile:
		payload, err = e.readTorrent(ctx, loc)
		if err != nil {
			return "", engine.Rejected(err, locator)
		}
		meta, metaErr := engine.ParseMeta(bytes.NewReader(payload))
		if metaErr != nil {
			return "", engine.Rejected(metaErr, locator)
		}
		hash, name = meta.InfoHash, meta.Name+".torrent"
	}
	h := engine.Handle(hash)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", engine.Rejected(errors.New("engine is closed"), locator)
	}
	if tr, ok := e.tracked[h]; ok {
		if tr.savePath != savePath {
			return "", engine.Rejected(fmt.Errorf("transfer %s is already active in %s", h, tr.savePath), locator)
		}
		return h, nil
	}

	var existing []TorrentInfo
	err = e.call(ctx, func() error {
		var infoErr error
		existing, infoErr = e.client.TorrentsInfo(ctx, []string{hash})
		return infoErr
	})
	if err != nil {
		return "", engine.Rejected(err, locator)
	}
	if len(existing) > 0 {
		if filepath.Clean(existing[0].SavePath) != savePath {
			return "", engine.Rejected(
				fmt.Errorf("transfer %s already exists in %s", h, existing[0].SavePath), locator)
		}
		logutils.Log.WithField("handle", h).Info("Adopted existing qBittorrent transfer")
	} else {
		err = e.call(ctx, func() error {
			if payload != nil {
				return e.client.AddTorrentFromFile(ctx, name, payload, savePath)
			}
			return e.client.AddTorrentFromURLs(ctx, loc.Raw, savePath)
		})
		if err != nil {
			return "", engine.Rejected(err, locator)
		}
	}

	e.tracked[h] = &trackedTorrent{savePath: savePath, addedAt: time.Now()}
	logutils.Log.WithFields(map[string]any{
		"handle":    h,
		"save_path": savePath,
		"kind":      loc.Kind,
	}).Info("Transfer added")
	return h, nil
}

func (e *Engine) readTorrent(ctx context.Context, loc engine.Locator) ([]byte, error) {
	if loc.Kind == engine.LocatorTorrentFile {
		return os.ReadFile(loc.Raw)
	}
	resp, err := e.fetcher.R().SetContext(ctx).Get(loc.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch torrent: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to fetch torrent: HTTP %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

func (e *Engine) isTracked(h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tracked[h]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrUnknownHandle, h)
	}
	return nil
}

func (e *Engine) Pause(ctx context.Context, h engine.Handle) error {
	if err := e.isTracked(h); err != nil {
		return err
	}
	return e.call(ctx, func() error {
		return e.client.PauseTorrents(ctx, []string{string(h)})
	})
}

func (e *Engine) Resume(ctx context.Context, h engine.Handle) error {
	if err := e.isTracked(h); err != nil {
		return err
	}
	return e.call(ctx, func() error {
		return e.client.ResumeTorrents(ctx, []string{string(h)})
	})
}

func (e *Engine) Remove(ctx context.Context, h engine.Handle, deleteFiles bool) error {
	if err := e.isTracked(h); err != nil {
		return err
	}
	err := e.call(ctx, func() error {
		return e.client.DeleteTorrent(ctx, string(h), deleteFiles)
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.tracked, h)
	e.mu.Unlock()
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	close(e.events)
	return nil
}

func (e *Engine) poll() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.pollOnce(e.ctx)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	e.mu.Lock()
	hashes := make([]string, 0, len(e.tracked))
	for h, tr := range e.tracked {
		if !tr.done {
			hashes = append(hashes, string(h))
		}
	}
	e.mu.Unlock()
	if len(hashes) == 0 {
		return
	}

	var list []TorrentInfo
	err := e.call(ctx, func() error {
		var infoErr error
		list, infoErr = e.client.TorrentsInfo(ctx, hashes)
		return infoErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logutils.Log.WithError(err).Warn("qBittorrent poll failed")
		for _, h := range hashes {
			e.emit(ctx, engine.Event{Kind: engine.EventWarning, Handle: engine.Handle(h), Err: err})
		}
		return
	}

	seen := make(map[engine.Handle]TorrentInfo, len(list))
	for _, info := range list {
		seen[engine.Handle(info.Hash)] = info
	}

	now := time.Now()
	for _, raw := range hashes {
		h := engine.Handle(raw)
		info, ok := seen[h]
		ev := e.eventFor(h, info, ok, now)
		if ev != nil {
			e.emit(ctx, *ev)
		}
	}
}

// eventFor maps one torrents/info entry to an engine event and updates tracking state.
func (e *Engine) eventFor(h engine.Handle, info TorrentInfo, present bool, now time.Time) *engine.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.tracked[h]
	if !ok || tr.done {
		return nil
	}

	if !present {
		tr.done = true
		return &engine.Event{Kind: engine.EventFailed, Handle: h,
			Err: engine.Failure(h, "transfer disappeared from qBittorrent")}
	}

	status := statusFrom(info)
	switch {
	case info.State == "error" || info.State == "missingFiles":
		tr.done = true
		return &engine.Event{Kind: engine.EventFailed, Handle: h, Status: status,
			Err: engine.Failure(h, "qBittorrent reported state "+info.State)}
	case status.State == engine.StateSeeding || info.Progress >= 1:
		tr.done = true
		status.State = engine.StateSeeding
		return &engine.Event{Kind: engine.EventCompleted, Handle: h, Status: status}
	case status.State == engine.StateMetadata && e.cfg.MetadataTimeout > 0 &&
		!tr.warned && now.Sub(tr.addedAt) >= e.cfg.MetadataTimeout:
		tr.warned = true
		return &engine.Event{Kind: engine.EventWarning, Handle: h, Status: status,
			Err: fmt.Errorf("metadata not received after %s", e.cfg.MetadataTimeout)}
	default:
		return &engine.Event{Kind: engine.EventTick, Handle: h, Status: status}
	}
}

func statusFrom(info TorrentInfo) engine.Status {
	total := info.Size
	if total <= 0 {
		total = info.TotalSize
	}
	return engine.Status{
		DownloadedBytes: info.Completed,
		TotalBytes:      total,
		DownloadRate:    info.DlSpeed,
		UploadRate:      info.UpSpeed,
		Peers:           info.NumSeeds + info.NumLeechs,
		State:           stateFrom(info.State),
	}
}

func stateFrom(state string) engine.State {
	switch state {
	case "metaDL", "forcedMetaDL":
		return engine.StateMetadata
	case "pausedDL", "stoppedDL":
		return engine.StatePaused
	case "uploading", "stalledUP", "pausedUP", "stoppedUP", "queuedUP", "forcedUP", "checkingUP":
		return engine.StateSeeding
	default:
		return engine.StateDownloading
	}
}

func (e *Engine) emit(ctx context.Context, ev engine.Event) {
	if ev.Kind == engine.EventTick {
		select {
		case e.events <- ev:
		default:
		}
		return
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}
