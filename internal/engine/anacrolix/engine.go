// Package anacrolix runs transfers in-process on github.com/anacrolix/torrent.
package anacrolix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/engine"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	eventBufferSize     = 256
	defaultPollInterval = time.Second
	fetchTimeout        = 30 * time.Second
)

type Config struct {
	DataDir         string
	ListenPort      int
	DownloadLimit   int64
	UploadLimit     int64
	PollInterval    time.Duration
	MetadataTimeout time.Duration
	// NoNetwork disables DHT and trackers. Transfers never find peers.
	NoNetwork bool
}

type Engine struct {
	cfg    Config
	client *torrent.Client
	http   *resty.Client
	events chan engine.Event

	mu        sync.Mutex
	transfers map[engine.Handle]*transfer
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type transfer struct {
	t        *torrent.Torrent
	savePath string
	store    storage.ClientImplCloser
	paused   atomic.Bool
	meter    rateMeter
	stop     context.CancelFunc
	done     chan struct{}
}

func New(cfg Config) (*Engine, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	clientCfg := torrent.NewDefaultClientConfig()
	clientCfg.DataDir = cfg.DataDir
	clientCfg.ListenPort = cfg.ListenPort
	clientCfg.Seed = true
	if cfg.NoNetwork {
		clientCfg.NoDHT = true
		clientCfg.DisableTrackers = true
	}
	if cfg.DownloadLimit > 0 {
		clientCfg.DownloadRateLimiter = rate.NewLimiter(rate.Limit(cfg.DownloadLimit), int(cfg.DownloadLimit))
	}
	if cfg.UploadLimit > 0 {
		clientCfg.UploadRateLimiter = rate.NewLimiter(rate.Limit(cfg.UploadLimit), int(cfg.UploadLimit))
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create engine data dir: %w", err)
		}
	}

	client, err := torrent.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create torrent client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		client:    client,
		http:      resty.New().SetTimeout(fetchTimeout),
		events:    make(chan engine.Event, eventBufferSize),
		transfers: make(map[engine.Handle]*transfer),
		ctx:       ctx,
		cancel:    cancel,
	}

	logutils.Log.WithFields(map[string]any{
		"data_dir":    cfg.DataDir,
		"listen_port": cfg.ListenPort,
		"no_network":  cfg.NoNetwork,
	}).Info("Torrent engine started")
	return e, nil
}

func (e *Engine) Events() <-chan engine.Event {
	return e.events
}

func (e *Engine) Add(ctx context.Context, locator, savePath string) (engine.Handle, error) {
	loc, err := engine.ParseLocator(locator)
	if err != nil {
		return "", engine.Rejected(err, locator)
	}

	spec, err := e.specFor(ctx, loc)
	if err != nil {
		return "", engine.Rejected(err, locator)
	}
	h := engine.Handle(spec.InfoHash.HexString())
	savePath = filepath.Clean(savePath)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", engine.Rejected(errors.New("engine is closed"), locator)
	}
	if tr, ok := e.transfers[h]; ok {
		if tr.savePath != savePath {
			return "", engine.Rejected(
				fmt.Errorf("transfer %s is already active in %s", h, tr.savePath), locator)
		}
		return h, nil
	}

	if err := os.MkdirAll(savePath, 0o750); err != nil {
		return "", engine.Rejected(fmt.Errorf("failed to create save path: %w", err), locator)
	}

	store := storage.NewFile(savePath)
	spec.Storage = store
	t, _, err := e.client.AddTorrentSpec(spec)
	if err != nil {
		_ = store.Close()
		return "", engine.Rejected(err, locator)
	}

	runCtx, stop := context.WithCancel(e.ctx)
	tr := &transfer{
		t:        t,
		savePath: savePath,
		store:    store,
		stop:     stop,
		done:     make(chan struct{}),
	}
	e.transfers[h] = tr

	e.wg.Add(1)
	go e.run(runCtx, h, tr)

	logutils.Log.WithFields(map[string]any{
		"handle":    h,
		"save_path": savePath,
		"kind":      loc.Kind,
	}).Info("Transfer added")
	return h, nil
}

func (e *Engine) specFor(ctx context.Context, loc engine.Locator) (*torrent.TorrentSpec, error) {
	switch loc.Kind {
	case engine.LocatorMagnet:
		return torrent.TorrentSpecFromMagnetUri(loc.Raw)
	case engine.LocatorTorrentURL:
		resp, err := e.http.R().SetContext(ctx).Get(loc.Raw)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch torrent: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("failed to fetch torrent: HTTP %d", resp.StatusCode())
		}
		mi, err := metainfo.Load(bytes.NewReader(resp.Body()))
		if err != nil {
			return nil, fmt.Errorf("failed to parse torrent: %w", err)
		}
		return torrent.TorrentSpecFromMetaInfoErr(mi)
	case engine.LocatorTorrentFile:
		mi, err := metainfo.LoadFromFile(loc.Raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse torrent: %w", err)
		}
		return torrent.TorrentSpecFromMetaInfoErr(mi)
	default:
		return nil, engine.ErrUnsupportedURI
	}
}

func (e *Engine) lookup(h engine.Handle) (*transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.transfers[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownHandle, h)
	}
	return tr, nil
}

func (e *Engine) Pause(_ context.Context, h engine.Handle) error {
	tr, err := e.lookup(h)
	if err != nil {
		return err
	}
	tr.t.DisallowDataDownload()
	tr.paused.Store(true)
	return nil
}

func (e *Engine) Resume(_ context.Context, h engine.Handle) error {
	tr, err := e.lookup(h)
	if err != nil {
		return err
	}
	tr.t.AllowDataDownload()
	tr.paused.Store(false)
	return nil
}

func (e *Engine) Remove(ctx context.Context, h engine.Handle, deleteFiles bool) error {
	e.mu.Lock()
	tr, ok := e.transfers[h]
	if ok {
		delete(e.transfers, h)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrUnknownHandle, h)
	}

	tr.stop()
	select {
	case <-tr.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	name := tr.t.Name()
	tr.t.Drop()
	if err := tr.store.Close(); err != nil {
		logutils.Log.WithError(err).WithField("handle", h).Warn("Failed to close transfer storage")
	}

	if deleteFiles && safeName(name) {
		target := filepath.Join(tr.savePath, name)
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to delete transfer files: %w", err)
		}
		logutils.Log.WithField("path", target).Info("Transfer files deleted")
	}
	return nil
}

func safeName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	transfers := make([]*transfer, 0, len(e.transfers))
	for _, tr := range e.transfers {
		transfers = append(transfers, tr)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	close(e.events)

	errs := e.client.Close()
	for _, tr := range transfers {
		if err := tr.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) run(ctx context.Context, h engine.Handle, tr *transfer) {
	defer e.wg.Done()
	defer close(tr.done)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var metadataTimeout <-chan time.Time
	if e.cfg.MetadataTimeout > 0 {
		timer := time.NewTimer(e.cfg.MetadataTimeout)
		defer timer.Stop()
		metadataTimeout = timer.C
	}
	gotInfo := tr.t.GotInfo()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tr.t.Closed():
			if ctx.Err() == nil {
				e.emit(ctx, engine.Event{Kind: engine.EventFailed, Handle: h,
					Err: engine.Failure(h, "transfer closed by engine")})
			}
			return
		case <-gotInfo:
			gotInfo = nil
			metadataTimeout = nil
			tr.t.DownloadAll()
			logutils.Log.WithFields(map[string]any{
				"handle": h,
				"name":   tr.t.Name(),
			}).Debug("Transfer metadata received")
		case <-metadataTimeout:
			metadataTimeout = nil
			e.emit(ctx, engine.Event{Kind: engine.EventWarning, Handle: h,
				Err: fmt.Errorf("metadata not received after %s", e.cfg.MetadataTimeout)})
		case now := <-ticker.C:
			if _, err := os.Stat(tr.savePath); err != nil {
				e.emit(ctx, engine.Event{Kind: engine.EventFailed, Handle: h,
					Err: engine.Failure(h, "save path is no longer accessible")})
				return
			}
			status := e.status(tr, now)
			if status.TotalBytes > 0 && status.DownloadedBytes >= status.TotalBytes {
				status.State = engine.StateSeeding
				e.emit(ctx, engine.Event{Kind: engine.EventCompleted, Handle: h, Status: status})
				return
			}
			e.emit(ctx, engine.Event{Kind: engine.EventTick, Handle: h, Status: status})
		}
	}
}

func (e *Engine) status(tr *transfer, now time.Time) engine.Status {
	stats := tr.t.Stats()
	s := engine.Status{
		Peers: stats.ActivePeers,
		State: engine.StateMetadata,
	}
	if info := tr.t.Info(); info != nil {
		s.TotalBytes = info.TotalLength()
		s.DownloadedBytes = tr.t.BytesCompleted()
		s.State = engine.StateDownloading
	}
	s.DownloadRate, s.UploadRate = tr.meter.sample(now,
		stats.BytesReadUsefulData.Int64(), stats.BytesWrittenData.Int64())
	if tr.paused.Load() {
		s.State = engine.StatePaused
		s.DownloadRate = 0
	}
	return s
}

// emit drops ticks when the consumer lags. Other events wait for the consumer or shutdown.
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
