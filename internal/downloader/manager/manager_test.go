package manager

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/engine"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/testutils"
	"github.com/NikitaDmitryuk/mediadash/internal/utils"
)

const (
	magnetA = "magnet:?xt=urn:btih:1111111111111111111111111111111111111111&dn=Movie+A"
	magnetB = "magnet:?xt=urn:btih:2222222222222222222222222222222222222222&dn=Movie+B"
	magnetC = "magnet:?xt=urn:btih:3333333333333333333333333333333333333333&dn=Movie+C"

	waitTimeout = 2 * time.Second
)

func TestMain(m *testing.M) {
	logutils.InitLogger("error")
	os.Exit(m.Run())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(ev models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) For(id string) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Event
	for _, ev := range p.events {
		if ev.Download.ID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type harness struct {
	dm    *DownloadManager
	eng   *testutils.FakeEngine
	store Store
	pub   *recordingPublisher
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		MediaPath:              testutils.TempDir(t),
		MaxConcurrentDownloads: 0,
		PersistInterval:        0,
		PersistInitialBackoff:  time.Millisecond,
		PersistMaxBackoff:      5 * time.Millisecond,
	}
}

func newHarness(t *testing.T, store Store, opts Options) *harness {
	t.Helper()
	if store == nil {
		store = testutils.TestStore(t)
	}
	h := &harness{
		eng:   testutils.NewFakeEngine(),
		store: store,
		pub:   &recordingPublisher{},
	}
	h.dm = NewDownloadManager(h.eng, store, h.pub, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.dm.Close(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T, locator, name string) models.Download {
	t.Helper()
	dl, err := h.dm.Start(context.Background(), StartRequest{Locator: locator, DisplayName: name})
	if err != nil {
		t.Fatalf("Start(%q) error = %v", locator, err)
	}
	return dl
}

func (h *harness) waitFor(t *testing.T, id, msg string, cond func(models.Download) bool) models.Download {
	t.Helper()
	var last models.Download
	testutils.WaitForCondition(t, waitTimeout, func() bool {
		dl, err := h.dm.Get(id)
		if err != nil {
			return false
		}
		last = dl
		return cond(dl)
	}, msg)
	return last
}

func TestStart_ListContainsOneActiveDownload(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))

	dl := h.start(t, magnetA, "Movie A")
	if dl.Status != models.StatusDownloading {
		t.Errorf("Start status = %s, want %s", dl.Status, models.StatusDownloading)
	}
	if dl.ProgressPercent != 0 {
		t.Errorf("ProgressPercent = %d, want 0", dl.ProgressPercent)
	}

	list := h.dm.List()
	if len(list) != 1 {
		t.Fatalf("List() returned %d downloads, want 1", len(list))
	}
	if list[0].ID != dl.ID || list[0].DisplayName != "Movie A" {
		t.Errorf("List()[0] = %+v, want id %s named Movie A", list[0], dl.ID)
	}

	stored, err := h.store.GetDownload(context.Background(), dl.ID)
	if err != nil {
		t.Fatalf("GetDownload() error = %v", err)
	}
	if stored.Status != models.StatusDownloading {
		t.Errorf("persisted status = %s, want %s", stored.Status, models.StatusDownloading)
	}

	events := h.pub.For(dl.ID)
	if len(events) != 2 {
		t.Fatalf("published %d events, want 2", len(events))
	}
	if events[0].Download.Status != models.StatusQueued || events[1].Download.Status != models.StatusDownloading {
		t.Errorf("event statuses = %s, %s, want queued then downloading",
			events[0].Download.Status, events[1].Download.Status)
	}
}

func TestStart_DisplayNameDefaultsToMagnetName(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))

	dl := h.start(t, magnetB, "")
	if dl.DisplayName != "Movie B" {
		t.Errorf("DisplayName = %q, want %q", dl.DisplayName, "Movie B")
	}
}

func TestStart_IsIdempotent(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))

	first := h.start(t, magnetA, "Movie A")
	second := h.start(t, magnetA, "Movie A again")

	if first.ID != second.ID {
		t.Errorf("second Start id = %s, want %s", second.ID, first.ID)
	}
	if n := len(h.dm.List()); n != 1 {
		t.Errorf("List() returned %d downloads, want 1", n)
	}
	if n := h.eng.CallCount("add"); n != 1 {
		t.Errorf("engine Add called %d times, want 1", n)
	}

	// The same transfer at another save path is a new download that the engine refuses.
	other, err := h.dm.Start(context.Background(), StartRequest{Locator: magnetA, SavePathHint: "shows"})
	if !errors.Is(err, utils.ErrEngineRejected) {
		t.Fatalf("Start() with another save path error = %v, want ErrEngineRejected", err)
	}
	if other.ID == first.ID {
		t.Error("Start() with another save path reused the existing download")
	}
	if got, _ := h.dm.Get(first.ID); got.Status != models.StatusDownloading {
		t.Errorf("original download status = %s, want downloading", got.Status)
	}
}

func TestStart_MalformedLocatorEndsInError(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	locators := []string{"", "magnet:?xt=urn:btih:short", "ftp://example.com/x"}
	for _, locator := range locators[1:] {
		_, parseErr := engine.ParseLocator(locator)
		h.eng.RejectLocators[locator] = parseErr
	}

	for _, locator := range locators {
		dl, err := h.dm.Start(context.Background(), StartRequest{Locator: locator})
		if !errors.Is(err, utils.ErrEngineRejected) {
			t.Errorf("Start(%q) error = %v, want ErrEngineRejected", locator, err)
		}
		if dl.ID == "" || dl.Status != models.StatusError || dl.LastError == nil {
			t.Errorf("Start(%q) = %+v, want a download in error with LastError", locator, dl)
			continue
		}
		stored, err := h.store.GetDownload(context.Background(), dl.ID)
		if err != nil || stored.Status != models.StatusError {
			t.Errorf("persisted %q = %s, %v, want error", locator, stored.Status, err)
		}
	}

	list := h.dm.List()
	if len(list) != len(locators) {
		t.Fatalf("List() returned %d downloads, want %d", len(list), len(locators))
	}
	if n := h.eng.CallCount("add"); n != len(locators) {
		t.Errorf("engine Add called %d times, want %d", n, len(locators))
	}
}

func TestStart_OpaqueMagnetIsAccepted(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))

	dl := h.start(t, "magnet:x", "Movie A")
	list := h.dm.List()
	if len(list) != 1 {
		t.Fatalf("List() returned %d downloads, want 1", len(list))
	}
	got := list[0]
	if got.ID != dl.ID || got.DisplayName != "Movie A" || got.ProgressPercent != 0 {
		t.Errorf("List()[0] = %+v, want Movie A at 0%%", got)
	}
	if got.Status != models.StatusQueued && got.Status != models.StatusDownloading {
		t.Errorf("status = %s, want queued or downloading", got.Status)
	}
}

func TestStart_SameInfoHashIsOneDownload(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))

	first := h.start(t, magnetA, "Movie A")
	variant := "magnet:?xt=urn:btih:1111111111111111111111111111111111111111&dn=Another+Name&tr=udp%3A%2F%2Ftracker.example%3A80"
	second := h.start(t, variant, "")

	if second.ID != first.ID {
		t.Errorf("Start() with another dn id = %s, want %s", second.ID, first.ID)
	}
	if n := len(h.dm.List()); n != 1 {
		t.Errorf("List() returned %d downloads, want 1", n)
	}
	if n := h.eng.CallCount("add"); n != 1 {
		t.Errorf("engine Add called %d times, want 1", n)
	}
}

func TestStart_RefusesSecondOwnerOfTransfer(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	const torrentURL = "https://example.com/movie-a.torrent"
	h.eng.Aliases[torrentURL] = magnetA
	handle := testutils.HandleFor(magnetA)

	first := h.start(t, magnetA, "Movie A")
	second, err := h.dm.Start(context.Background(), StartRequest{Locator: torrentURL})
	if !errors.Is(err, utils.ErrEngineRejected) || !errors.Is(err, ErrTransferOwned) {
		t.Fatalf("Start() for a shared transfer error = %v, want ErrTransferOwned", err)
	}
	if second.ID == first.ID || second.Status != models.StatusError {
		t.Errorf("second download = %s %s, want a separate download in error", second.ID, second.Status)
	}

	if err := h.dm.Cancel(context.Background(), second.ID, true); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if tr, ok := h.eng.Transfer(handle); !ok || tr.Removed {
		t.Fatal("cancelling the refused download removed the owner's transfer")
	}
	h.eng.Tick(handle, 10, 100, 1)
	h.waitFor(t, first.ID, "tick for the owner", func(d models.Download) bool { return d.DownloadedBytes == 10 })
}

func TestList_DoesNotWaitForEngineCalls(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	h.start(t, magnetA, "Movie A")

	release := make(chan struct{})
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()
	h.eng.Block("add", release)
	started := make(chan error, 1)
	go func() {
		_, err := h.dm.Start(context.Background(), StartRequest{Locator: magnetB})
		started <- err
	}()
	testutils.WaitForCondition(t, waitTimeout, func() bool { return h.eng.CallCount("add") == 2 }, "second add to reach the engine")

	listed := make(chan []models.Download, 1)
	go func() { listed <- h.dm.List() }()
	select {
	case list := <-listed:
		if len(list) != 2 {
			t.Errorf("List() returned %d downloads, want 2", len(list))
		} else if list[1].Status != models.StatusQueued {
			t.Errorf("blocked download status = %s, want queued", list[1].Status)
		}
	case <-time.After(waitTimeout):
		t.Fatal("List() blocked behind an engine Add")
	}
	if counts := h.dm.CountByStatus(); counts[models.StatusDownloading] != 1 {
		t.Errorf("CountByStatus() = %v, want one downloading", counts)
	}

	close(release)
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Start() did not finish after the engine released it")
	}
}

func TestStuckDownloadDoesNotStallOthers(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	a := h.start(t, magnetA, "Movie A")
	b := h.start(t, magnetB, "Movie B")
	handleA, handleB := testutils.HandleFor(magnetA), testutils.HandleFor(magnetB)

	release := make(chan struct{})
	h.eng.Block("pause", release)
	paused := make(chan error, 1)
	go func() {
		_, err := h.dm.Pause(context.Background(), b.ID)
		paused <- err
	}()
	testutils.WaitForCondition(t, waitTimeout, func() bool { return h.eng.CallCount("pause") == 1 }, "pause to reach the engine")

	// B's monitor is stuck behind the pause; flood it well past its inbox.
	for range 4 * inboxSize {
		h.eng.Tick(handleB, 1, 100, 1)
		h.eng.Complete(handleB, 100)
	}
	h.eng.Tick(handleA, 50, 100, 10)
	h.eng.Complete(handleA, 100)
	h.waitFor(t, a.ID, "A to complete while B is stuck", func(d models.Download) bool {
		return d.Status == models.StatusCompleted
	})

	close(release)
	select {
	case err := <-paused:
		if err != nil {
			t.Fatalf("Pause() error = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Pause() did not finish after the engine released it")
	}
	h.waitFor(t, b.ID, "B to apply its completion", func(d models.Download) bool {
		return d.Status == models.StatusCompleted
	})
}

func TestStart_EngineRejectionEndsInError(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	h.eng.RejectLocators[magnetA] = errors.New("tracker refused")

	dl, err := h.dm.Start(context.Background(), StartRequest{Locator: magnetA})
	if !errors.Is(err, utils.ErrEngineRejected) {
		t.Fatalf("Start() error = %v, want ErrEngineRejected", err)
	}
	if dl.Status != models.StatusError {
		t.Errorf("status = %s, want %s", dl.Status, models.StatusError)
	}
	if dl.LastError == nil || !strings.Contains(*dl.LastError, "tracker refused") {
		t.Errorf("LastError = %v, want the rejection reason", dl.LastError)
	}

	events := h.pub.For(dl.ID)
	if len(events) == 0 || !events[len(events)-1].Terminal {
		t.Errorf("last event should be terminal, got %+v", events)
	}
}

func TestTick_ProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	dl := h.start(t, magnetA, "Movie A")
	handle := testutils.HandleFor(magnetA)

	h.eng.Tick(handle, 50, 100, 10)
	got := h.waitFor(t, dl.ID, "first tick", func(d models.Download) bool { return d.DownloadedBytes == 50 })
	if got.ProgressPercent != 50 || got.TotalBytes != 100 {
		t.Errorf("after first tick = %d%% of %d, want 50%% of 100", got.ProgressPercent, got.TotalBytes)
	}
	if got.ETASeconds == nil || *got.ETASeconds != 5 {
		t.Errorf("ETASeconds = %v, want 5", got.ETASeconds)
	}

	h.eng.Tick(handle, 30, 100, 7)
	got = h.waitFor(t, dl.ID, "regressing tick", func(d models.Download) bool { return d.DownloadRate == 7 })
	if got.DownloadedBytes != 50 || got.ProgressPercent != 50 {
		t.Errorf("regressing tick moved progress to %d bytes, %d%%", got.DownloadedBytes, got.ProgressPercent)
	}

	h.eng.Tick(handle, 120, 100, 0)
	got = h.waitFor(t, dl.ID, "overshoot tick", func(d models.Download) bool { return d.DownloadedBytes == 120 })
	if got.TotalBytes != 120 || got.ProgressPercent != 100 {
		t.Errorf("overshoot tick = %d%% of %d, want 100%% of 120", got.ProgressPercent, got.TotalBytes)
	}
	if got.ETASeconds != nil {
		t.Errorf("ETASeconds = %v, want nil at zero rate", *got.ETASeconds)
	}

	testutils.WaitForCondition(t, waitTimeout, func() bool {
		stored, err := h.store.GetDownload(context.Background(), dl.ID)
		return err == nil && stored.DownloadedBytes == 120
	}, "tick to be persisted")
}

func TestPauseResume_KeepsProgress(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	dl := h.start(t, magnetA, "Movie A")
	handle := testutils.HandleFor(magnetA)

	h.eng.Tick(handle, 40, 100, 10)
	h.waitFor(t, dl.ID, "tick", func(d models.Download) bool { return d.DownloadedBytes == 40 })

	paused, err := h.dm.Pause(context.Background(), dl.ID)
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if paused.Status != models.StatusPaused || paused.DownloadedBytes != 40 {
		t.Errorf("Pause() = %s with %d bytes, want paused with 40", paused.Status, paused.DownloadedBytes)
	}
	if paused.DownloadRate != 0 || paused.ETASeconds != nil {
		t.Errorf("Pause() left rate %d and eta %v", paused.DownloadRate, paused.ETASeconds)
	}
	if tr, _ := h.eng.Transfer(handle); !tr.Paused {
		t.Error("engine transfer was not paused")
	}

	again, err := h.dm.Pause(context.Background(), dl.ID)
	if err != nil || again.Status != models.StatusPaused {
		t.Errorf("second Pause() = %s, %v, want a no-op", again.Status, err)
	}
	if n := h.eng.CallCount("pause"); n != 1 {
		t.Errorf("engine Pause called %d times, want 1", n)
	}

	resumed, err := h.dm.Resume(context.Background(), dl.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.Status != models.StatusDownloading || resumed.DownloadedBytes != 40 {
		t.Errorf("Resume() = %s with %d bytes, want downloading with 40", resumed.Status, resumed.DownloadedBytes)
	}
}

func TestPauseResume_Errors(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	dl := h.start(t, magnetA, "Movie A")

	got, err := h.dm.Resume(context.Background(), dl.ID)
	if err != nil || got.Status != models.StatusDownloading {
		t.Errorf("Resume() on downloading = %s, %v, want a no-op", got.Status, err)
	}
	if _, err := h.dm.Pause(context.Background(), "missing"); !errors.Is(err, utils.ErrNotFound) {
		t.Errorf("Pause(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := h.dm.Resume(context.Background(), "missing"); !errors.Is(err, utils.ErrNotFound) {
		t.Errorf("Resume(missing) error = %v, want ErrNotFound", err)
	}

	h.eng.PauseErr = errors.New("engine busy")
	if _, err := h.dm.Pause(context.Background(), dl.ID); err == nil {
		t.Fatal("Pause() should fail when the engine fails")
	}
	if got, _ := h.dm.Get(dl.ID); got.Status != models.StatusDownloading {
		t.Errorf("status after failed pause = %s, want downloading", got.Status)
	}

	h.eng.PauseErr = nil
	h.eng.Complete(testutils.HandleFor(magnetA), 10)
	h.waitFor(t, dl.ID, "completion", func(d models.Download) bool { return d.Status == models.StatusCompleted })
	if _, err := h.dm.Pause(context.Background(), dl.ID); !errors.Is(err, utils.ErrInvalidTransition) {
		t.Errorf("Pause() on completed error = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.dm.Resume(context.Background(), dl.ID); !errors.Is(err, utils.ErrInvalidTransition) {
		t.Errorf("Resume() on completed error = %v, want ErrInvalidTransition", err)
	}
}

func TestCancel_NoResurrection(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	dl := h.start(t, magnetA, "Movie A")
	other := h.start(t, magnetB, "Movie B")
	handle := testutils.HandleFor(magnetA)

	h.eng.Tick(handle, 10, 100, 1)
	h.waitFor(t, dl.ID, "tick", func(d models.Download) bool { return d.DownloadedBytes == 10 })

	if err := h.dm.Cancel(context.Background(), dl.ID, true); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	tr, _ := h.eng.Transfer(handle)
	if !tr.Removed || !tr.Deleted {
		t.Errorf("engine transfer = %+v, want removed with files deleted", tr)
	}

	// A late tick must not bring the record back. The tick for other proves it was routed.
	h.eng.Tick(handle, 90, 100, 1)
	h.eng.Tick(testutils.HandleFor(magnetB), 5, 100, 1)
	h.waitFor(t, other.ID, "other tick", func(d models.Download) bool { return d.DownloadedBytes == 5 })

	if _, err := h.dm.Get(dl.ID); !errors.Is(err, utils.ErrNotFound) {
		t.Errorf("Get() after cancel error = %v, want ErrNotFound", err)
	}
	if _, err := h.store.GetDownload(context.Background(), dl.ID); !errors.Is(err, utils.ErrNotFound) {
		t.Errorf("store row after cancel error = %v, want ErrNotFound", err)
	}
	events := h.pub.For(dl.ID)
	if last := events[len(events)-1]; last.Type != models.EventRemoved {
		t.Errorf("last event = %s, want %s", last.Type, models.EventRemoved)
	}

	if err := h.dm.Cancel(context.Background(), dl.ID, false); !errors.Is(err, utils.ErrNotFound) {
		t.Errorf("second Cancel() error = %v, want ErrNotFound", err)
	}
}

func TestCancel_IgnoresEngineErrors(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	dl := h.start(t, magnetA, "Movie A")
	h.eng.RemoveErr = errors.New("engine gone")

	if err := h.dm.Cancel(context.Background(), dl.ID, false); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if n := len(h.dm.List()); n != 0 {
		t.Errorf("List() returned %d downloads, want 0", n)
	}
}

func TestCompletion_FromPartialProgress(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	dl := h.start(t, magnetA, "Movie A")
	handle := testutils.HandleFor(magnetA)

	h.eng.Tick(handle, 40, 100, 10)
	h.waitFor(t, dl.ID, "tick", func(d models.Download) bool { return d.ProgressPercent == 40 })

	h.eng.Complete(handle, 100)
	got := h.waitFor(t, dl.ID, "completion", func(d models.Download) bool { return d.Status == models.StatusCompleted })

	if got.ProgressPercent != 100 || got.DownloadedBytes != 100 || got.TotalBytes != 100 {
		t.Errorf("completed = %d%% %d/%d, want 100%% 100/100", got.ProgressPercent, got.DownloadedBytes, got.TotalBytes)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt was not set")
	}
	if got.DownloadRate != 0 || got.ETASeconds == nil || *got.ETASeconds != 0 {
		t.Errorf("completed rate = %d eta = %v, want 0 and 0", got.DownloadRate, got.ETASeconds)
	}

	testutils.WaitForCondition(t, waitTimeout, func() bool {
		events := h.pub.For(dl.ID)
		last := events[len(events)-1]
		return last.Terminal && last.Download.Status == models.StatusCompleted
	}, "terminal event")

	// Events after the terminal state are ignored.
	h.eng.Fail(handle, "late failure")
	time.Sleep(20 * time.Millisecond)
	if got, _ := h.dm.Get(dl.ID); got.Status != models.StatusCompleted {
		t.Errorf("status after late failure = %s, want completed", got.Status)
	}
}

func TestEngineFailure_KeepsHandleForCancel(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	dl := h.start(t, magnetA, "Movie A")
	handle := testutils.HandleFor(magnetA)

	h.eng.Fail(handle, "disk write failed")
	got := h.waitFor(t, dl.ID, "failure", func(d models.Download) bool { return d.Status == models.StatusError })
	if got.LastError == nil || !strings.Contains(*got.LastError, "disk write failed") {
		t.Errorf("LastError = %v, want the engine reason", got.LastError)
	}

	if err := h.dm.Cancel(context.Background(), dl.ID, false); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if tr, _ := h.eng.Transfer(handle); !tr.Removed {
		t.Error("Cancel() after failure did not release the engine transfer")
	}
}

func TestEngineWarning_DoesNotChangeState(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	dl := h.start(t, magnetA, "Movie A")
	handle := testutils.HandleFor(magnetA)

	h.eng.Emit(engine.Event{Kind: engine.EventWarning, Handle: handle, Err: errors.New("tracker timeout")})
	h.eng.Tick(handle, 1, 10, 1)
	got := h.waitFor(t, dl.ID, "tick after warning", func(d models.Download) bool { return d.DownloadedBytes == 1 })
	if got.Status != models.StatusDownloading {
		t.Errorf("status = %s, want downloading", got.Status)
	}
}

func TestStart_PersistencePending(t *testing.T) {
	flaky := testutils.NewFlakyStore(testutils.TestStore(t), 1<<30)
	h := newHarness(t, flaky, testOptions(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	dl, err := h.dm.Start(ctx, StartRequest{Locator: magnetA})
	if !errors.Is(err, utils.ErrPersistencePending) {
		t.Fatalf("Start() error = %v, want ErrPersistencePending", err)
	}
	if n := h.pub.Len(); n != 0 {
		t.Errorf("published %d events before anything was persisted", n)
	}

	flaky.FailNext(0)
	testutils.WaitForCondition(t, waitTimeout, func() bool {
		stored, err := flaky.GetDownload(context.Background(), dl.ID)
		return err == nil && stored.Status == models.StatusDownloading
	}, "pending writes to land")
	testutils.WaitForCondition(t, waitTimeout, func() bool { return len(h.pub.For(dl.ID)) == 2 }, "events")
}

func TestStart_RetriesFailedWrites(t *testing.T) {
	flaky := testutils.NewFlakyStore(testutils.TestStore(t), 2)
	h := newHarness(t, flaky, testOptions(t))

	dl := h.start(t, magnetA, "Movie A")
	if n := flaky.Attempts(); n < 4 {
		t.Errorf("store attempts = %d, want at least 4", n)
	}
	if _, err := flaky.GetDownload(context.Background(), dl.ID); err != nil {
		t.Errorf("GetDownload() error = %v", err)
	}
}

func TestList_SortedByCreation(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	for _, locator := range []string{magnetC, magnetA, magnetB} {
		h.start(t, locator, "")
	}

	list := h.dm.List()
	if len(list) != 3 {
		t.Fatalf("List() returned %d downloads, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.Before(list[i-1].CreatedAt) {
			t.Errorf("List() not sorted at %d: %v before %v", i, list[i].CreatedAt, list[i-1].CreatedAt)
		}
	}
	if list[0].DisplayName != "Movie C" {
		t.Errorf("first download = %q, want Movie C", list[0].DisplayName)
	}
}

func TestClose_RejectsCommands(t *testing.T) {
	h := newHarness(t, nil, testOptions(t))
	h.dm.Close(context.Background())

	if _, err := h.dm.Start(context.Background(), StartRequest{Locator: magnetA}); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Start() after Close error = %v, want ErrManagerClosed", err)
	}
}
