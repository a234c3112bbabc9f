package testutils

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/NikitaDmitryuk/mediadash/internal/engine"
)

var ErrSavePathConflict = errors.New("fake engine: transfer already active at another save path")

// FakeEngine is a scriptable engine.Engine. Tests drive transfers with Tick, Complete and Fail.
type FakeEngine struct {
	mu        sync.Mutex
	transfers map[engine.Handle]*FakeTransfer
	events    chan engine.Event
	closed    bool

	// AddErr, when set, is returned by every Add.
	AddErr    error
	PauseErr  error
	ResumeErr error
	RemoveErr error
	// RejectLocators makes Add fail for the listed locators only.
	RejectLocators map[string]error
	// Aliases maps a locator onto the handle of another, like a .torrent URL for a known magnet.
	Aliases map[string]string

	gates map[string]chan struct{}
	Calls []string
}

type FakeTransfer struct {
	Locator  string
	SavePath string
	Paused   bool
	Removed  bool
	Deleted  bool
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		transfers:      make(map[engine.Handle]*FakeTransfer),
		events:         make(chan engine.Event, 256),
		RejectLocators: make(map[string]error),
		Aliases:        make(map[string]string),
		gates:          make(map[string]chan struct{}),
	}
}

// HandleFor returns the handle Add assigns to locator. Magnets map to their info hash, so
// links that differ only in dn or tr share a transfer.
func HandleFor(locator string) engine.Handle {
	if loc, err := engine.ParseLocator(locator); err == nil && loc.InfoHash != "" {
		return engine.Handle(loc.InfoHash)
	}
	sum := sha1.Sum([]byte(locator))
	return engine.Handle(hex.EncodeToString(sum[:]))
}

// Block holds every later call of the named kind ("add", "pause", ...) until release is closed.
func (f *FakeEngine) Block(call string, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates[call] = release
}

func (f *FakeEngine) record(call string) {
	f.Calls = append(f.Calls, call)
}

// enter records call and waits on its gate, if any, without holding f.mu.
func (f *FakeEngine) enter(ctx context.Context, call string) error {
	f.mu.Lock()
	f.record(call)
	gate := f.gates[call]
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeEngine) Add(ctx context.Context, locator, savePath string) (engine.Handle, error) {
	if err := f.enter(ctx, "add"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(locator) == "" {
		return "", engine.Rejected(engine.ErrEmptyLocator, locator)
	}
	if f.AddErr != nil {
		return "", engine.Rejected(f.AddErr, locator)
	}
	if err, ok := f.RejectLocators[locator]; ok {
		return "", engine.Rejected(err, locator)
	}

	h := HandleFor(locator)
	if target, ok := f.Aliases[locator]; ok {
		h = HandleFor(target)
	}
	if tr, ok := f.transfers[h]; ok && !tr.Removed {
		if tr.SavePath != savePath {
			return "", engine.Rejected(ErrSavePathConflict, locator)
		}
		return h, nil
	}
	f.transfers[h] = &FakeTransfer{Locator: locator, SavePath: savePath}
	return h, nil
}

func (f *FakeEngine) lookup(h engine.Handle) (*FakeTransfer, error) {
	tr, ok := f.transfers[h]
	if !ok || tr.Removed {
		return nil, engine.ErrUnknownHandle
	}
	return tr, nil
}

func (f *FakeEngine) Pause(ctx context.Context, h engine.Handle) error {
	if err := f.enter(ctx, "pause"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PauseErr != nil {
		return f.PauseErr
	}
	tr, err := f.lookup(h)
	if err != nil {
		return err
	}
	tr.Paused = true
	return nil
}

func (f *FakeEngine) Resume(ctx context.Context, h engine.Handle) error {
	if err := f.enter(ctx, "resume"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ResumeErr != nil {
		return f.ResumeErr
	}
	tr, err := f.lookup(h)
	if err != nil {
		return err
	}
	tr.Paused = false
	return nil
}

func (f *FakeEngine) Remove(ctx context.Context, h engine.Handle, deleteFiles bool) error {
	if err := f.enter(ctx, "remove"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	tr, err := f.lookup(h)
	if err != nil {
		return err
	}
	tr.Removed = true
	tr.Deleted = deleteFiles
	return nil
}

func (f *FakeEngine) Events() <-chan engine.Event {
	return f.events
}

func (f *FakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// Transfer returns a copy of the transfer behind h.
func (f *FakeEngine) Transfer(h engine.Handle) (FakeTransfer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.transfers[h]
	if !ok {
		return FakeTransfer{}, false
	}
	return *tr, true
}

// CallCount returns how many times call was made.
func (f *FakeEngine) CallCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *FakeEngine) Emit(ev engine.Event) {
	f.events <- ev
}

func (f *FakeEngine) Tick(h engine.Handle, downloaded, total, rate int64) {
	f.Emit(engine.Event{Kind: engine.EventTick, Handle: h, Status: engine.Status{
		DownloadedBytes: downloaded,
		TotalBytes:      total,
		DownloadRate:    rate,
		Peers:           3,
		State:           engine.StateDownloading,
	}})
}

func (f *FakeEngine) Complete(h engine.Handle, total int64) {
	f.Emit(engine.Event{Kind: engine.EventCompleted, Handle: h, Status: engine.Status{
		DownloadedBytes: total,
		TotalBytes:      total,
		State:           engine.StateSeeding,
	}})
}

func (f *FakeEngine) Fail(h engine.Handle, reason string) {
	f.Emit(engine.Event{Kind: engine.EventFailed, Handle: h, Err: engine.Failure(h, reason)})
}

var _ engine.Engine = (*FakeEngine)(nil)
