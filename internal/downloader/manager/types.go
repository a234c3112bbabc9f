package manager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/config"
	"github.com/NikitaDmitryuk/mediadash/internal/database"
	"github.com/NikitaDmitryuk/mediadash/internal/engine"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
)

const (
	inboxSize             = 16
	defaultInitialBackoff = 100 * time.Millisecond
)

var (
	ErrManagerClosed = errors.New("download manager is closed")
	// ErrTransferOwned is wrapped into a rejection when the engine maps a locator onto a
	// transfer another download already owns.
	ErrTransferOwned = errors.New("transfer already belongs to another download")
)

// Service is the command surface consumed by the API layer.
type Service interface {
	Start(ctx context.Context, req StartRequest) (models.Download, error)
	Pause(ctx context.Context, id string) (models.Download, error)
	Resume(ctx context.Context, id string) (models.Download, error)
	Cancel(ctx context.Context, id string, deleteFiles bool) error
	Get(id string) (models.Download, error)
	List() []models.Download
}

// Store is the persistence the manager writes through its journal.
type Store interface {
	database.DownloadReader
	database.DownloadWriter
}

// Publisher receives every durable event in per-download order.
type Publisher interface {
	Publish(ev models.Event)
}

type StartRequest struct {
	Locator      string          `json:"locator"`
	DisplayName  string          `json:"display_name"`
	MediaRef     models.MediaRef `json:"media_ref"`
	SavePathHint string          `json:"save_path_hint"`
}

type Options struct {
	MediaPath              string
	MaxConcurrentDownloads int
	PersistInterval        time.Duration
	PersistMaxBackoff      time.Duration
	// PersistInitialBackoff is the first retry delay of a failed store write.
	PersistInitialBackoff time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	settings := cfg.GetDownloadSettings()
	return Options{
		MediaPath:              cfg.MediaPath,
		MaxConcurrentDownloads: settings.MaxConcurrentDownloads,
		PersistInterval:        settings.PersistInterval,
		PersistMaxBackoff:      settings.PersistMaxBackoff,
		PersistInitialBackoff:  defaultInitialBackoff,
	}
}

type DownloadManager struct {
	opts    Options
	engine  engine.Engine
	store   Store
	journal *journal

	mu      sync.RWMutex
	records map[string]*record
	byKey   map[string]*record
	handles map[engine.Handle]*record
	queue   []string
	active  int
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// record is the in-memory owner of one Download. Every mutation of dl holds mu.
// view is the last committed copy served to readers, so reads never wait on mu while an
// engine call is in flight. It is nil once the download is removed.
type record struct {
	mu          sync.Mutex
	dl          models.Download
	key         string
	handle      engine.Handle
	removed     bool
	hasSlot     bool
	lastPersist time.Time
	view        atomic.Pointer[models.Download]

	inbox       chan engine.Event
	terminal    chan engine.Event
	stop        chan struct{}
	stopOnce    sync.Once
	monitorDone chan struct{}
}

// recordKey identifies a transfer for Start idempotency. Magnets are keyed by info hash so
// that locators differing only in dn or tr map onto one download, as they do in the engines.
func recordKey(loc engine.Locator, savePath string) string {
	id := loc.Raw
	if loc.InfoHash != "" {
		id = "btih:" + loc.InfoHash
	}
	return id + "\x00" + savePath
}

// keyFor parses a stored locator into its record key. Unparseable locators key on the raw text.
func keyFor(locator, savePath string) string {
	loc, err := engine.ParseLocator(locator)
	if err != nil {
		loc = engine.Locator{Raw: strings.TrimSpace(locator)}
	}
	return recordKey(loc, savePath)
}

func (r *record) setViewLocked() {
	snap := r.dl.Clone()
	r.view.Store(&snap)
}

func (r *record) stopMonitor() {
	if r.stop == nil {
		return
	}
	r.stopOnce.Do(func() { close(r.stop) })
}
