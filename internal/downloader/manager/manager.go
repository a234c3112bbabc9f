package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/engine"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/utils"
	"github.com/google/uuid"
)

// NewDownloadManager starts the event dispatcher and the journal. Call Restore before serving commands.
func NewDownloadManager(eng engine.Engine, store Store, pub Publisher, opts Options) *DownloadManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DownloadManager{
		opts:    opts,
		engine:  eng,
		store:   store,
		journal: newJournal(store, pub, opts.PersistInitialBackoff, opts.PersistMaxBackoff),
		records: make(map[string]*record),
		byKey:   make(map[string]*record),
		handles: make(map[engine.Handle]*record),
		ctx:     ctx,
		cancel:  cancel,
	}

	dm.wg.Add(1)
	go dm.dispatch()
	return dm
}

// Start records the request as queued before the engine sees it. Locators the engine cannot
// use still produce a download, which ends in error with the rejection as LastError.
func (dm *DownloadManager) Start(ctx context.Context, req StartRequest) (models.Download, error) {
	raw := strings.TrimSpace(req.Locator)
	loc, parseErr := engine.ParseLocator(raw)
	if parseErr != nil {
		loc = engine.Locator{Raw: raw}
	}
	savePath := utils.ResolveSavePath(dm.opts.MediaPath, req.SavePathHint)
	if loc.ExactLength > 0 && !utils.HasEnoughSpace(dm.opts.MediaPath, loc.ExactLength) {
		return models.Download{}, utils.WrapError(utils.ErrInsufficientSpace, "not enough free space", map[string]any{
			"required": utils.FormatBytes(loc.ExactLength),
		})
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = loc.DisplayName
	}
	if displayName == "" {
		displayName = loc.Raw
	}

	rec := &record{
		key: recordKey(loc, savePath),
		dl: models.Download{
			ID:          uuid.NewString(),
			Locator:     loc.Raw,
			DisplayName: displayName,
			MediaRef:    req.MediaRef,
			Status:      models.StatusQueued,
			TotalBytes:  max(loc.ExactLength, 0),
			SavePath:    savePath,
			CreatedAt:   time.Now().UTC(),
		},
	}
	rec.setViewLocked()

	rec.mu.Lock()
	dm.mu.Lock()
	if dm.closed {
		dm.mu.Unlock()
		rec.mu.Unlock()
		return models.Download{}, ErrManagerClosed
	}
	if existing, ok := dm.byKey[rec.key]; ok {
		dm.mu.Unlock()
		rec.mu.Unlock()
		logutils.Log.WithField("locator", loc.Raw).Debug("Start is a repeat of an existing download")
		return existing.snapshot()
	}
	dm.records[rec.dl.ID] = rec
	dm.byKey[rec.key] = rec
	admitted := dm.slotFreeLocked()
	if admitted {
		dm.active++
		rec.hasSlot = true
	} else {
		dm.queue = append(dm.queue, rec.dl.ID)
	}
	dm.mu.Unlock()

	entry := logutils.Log.WithFields(map[string]any{
		"download_id": rec.dl.ID,
		"title":       displayName,
		"save_path":   savePath,
		"admitted":    admitted,
	})
	if parseErr != nil {
		entry = entry.WithField("locator_error", parseErr.Error())
	}
	entry.Info("Starting download")

	waits := []<-chan error{dm.commitLocked(rec, false)}
	var addErr error
	if admitted {
		var wait <-chan error
		wait, addErr = dm.startTransferLocked(ctx, rec)
		waits = append(waits, wait)
	}
	snap := rec.dl.Clone()
	rec.mu.Unlock()

	if addErr != nil {
		dm.admitNext()
	}
	if err := awaitAll(ctx, waits...); err != nil {
		return snap, errors.Join(addErr, err)
	}
	return snap, addErr
}

// startTransferLocked hands rec to the engine. The caller holds rec.mu and rec holds a slot.
func (dm *DownloadManager) startTransferLocked(ctx context.Context, rec *record) (<-chan error, error) {
	h, err := dm.engine.Add(ctx, rec.dl.Locator, rec.dl.SavePath)
	if err == nil {
		err = dm.attachLocked(rec, h)
	}
	if err != nil {
		logutils.Log.WithError(err).WithField("download_id", rec.dl.ID).Warn("Engine rejected download")
		return dm.failLocked(rec, err), err
	}

	rec.dl.Status = models.StatusDownloading
	rec.dl.LastError = nil
	return dm.commitLocked(rec, false), nil
}

// failLocked moves rec to error and frees its slot. The engine handle is kept for Cancel.
func (dm *DownloadManager) failLocked(rec *record, cause error) <-chan error {
	msg := utils.UserMessage(cause)
	rec.dl.Status = models.StatusError
	rec.dl.LastError = &msg
	rec.dl.DownloadRate, rec.dl.UploadRate, rec.dl.Peers = 0, 0, 0
	rec.dl.ETASeconds = nil
	dm.releaseSlotLocked(rec)
	return dm.commitLocked(rec, true)
}

// commitLocked journals the current state of rec with a stateChange event.
func (dm *DownloadManager) commitLocked(rec *record, terminal bool) <-chan error {
	snap := rec.dl.Clone()
	rec.setViewLocked()
	rec.lastPersist = time.Now()
	return dm.journal.submit(journalEntry{
		id:    snap.ID,
		write: &snap,
		event: &models.Event{Type: models.EventStateChange, Download: snap, Terminal: terminal},
	})
}

func (dm *DownloadManager) lookup(id string) (*record, error) {
	dm.mu.RLock()
	rec, ok := dm.records[id]
	dm.mu.RUnlock()
	if !ok {
		return nil, utils.WrapError(utils.ErrNotFound, "download "+id, map[string]any{"download_id": id})
	}
	return rec, nil
}

// snapshot returns the last committed state without taking r.mu.
func (r *record) snapshot() (models.Download, error) {
	v := r.view.Load()
	if v == nil {
		return models.Download{}, utils.WrapError(utils.ErrNotFound, "download "+r.dl.ID, nil)
	}
	return v.Clone(), nil
}

func invalidTransition(dl *models.Download, op string) error {
	return utils.WrapError(utils.ErrInvalidTransition,
		fmt.Sprintf("cannot %s a %s download", op, dl.Status), map[string]any{
			"download_id": dl.ID,
			"status":      dl.Status,
		})
}

func (dm *DownloadManager) Pause(ctx context.Context, id string) (models.Download, error) {
	rec, err := dm.lookup(id)
	if err != nil {
		return models.Download{}, err
	}

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return models.Download{}, utils.WrapError(utils.ErrNotFound, "download "+id, nil)
	}
	switch rec.dl.Status {
	case models.StatusPaused:
		snap := rec.dl.Clone()
		rec.mu.Unlock()
		return snap, nil
	case models.StatusDownloading:
	default:
		err := invalidTransition(&rec.dl, "pause")
		rec.mu.Unlock()
		return models.Download{}, err
	}

	if err := dm.engine.Pause(ctx, rec.handle); err != nil {
		rec.mu.Unlock()
		logutils.Log.WithError(err).WithField("download_id", id).Warn("Engine pause failed")
		return models.Download{}, utils.WrapError(err, "pause failed", map[string]any{"download_id": id})
	}
	rec.dl.Status = models.StatusPaused
	rec.dl.DownloadRate, rec.dl.UploadRate = 0, 0
	rec.dl.ETASeconds = nil
	dm.releaseSlotLocked(rec)
	wait := dm.commitLocked(rec, false)
	snap := rec.dl.Clone()
	rec.mu.Unlock()

	logutils.Log.WithField("download_id", id).Info("Download paused")
	dm.admitNext()
	return snap, awaitAll(ctx, wait)
}

// Resume takes a slot even when admission is full.
func (dm *DownloadManager) Resume(ctx context.Context, id string) (models.Download, error) {
	rec, err := dm.lookup(id)
	if err != nil {
		return models.Download{}, err
	}

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return models.Download{}, utils.WrapError(utils.ErrNotFound, "download "+id, nil)
	}
	switch rec.dl.Status {
	case models.StatusDownloading:
		snap := rec.dl.Clone()
		rec.mu.Unlock()
		return snap, nil
	case models.StatusPaused:
	default:
		err := invalidTransition(&rec.dl, "resume")
		rec.mu.Unlock()
		return models.Download{}, err
	}

	if err := dm.engine.Resume(ctx, rec.handle); err != nil {
		rec.mu.Unlock()
		logutils.Log.WithError(err).WithField("download_id", id).Warn("Engine resume failed")
		return models.Download{}, utils.WrapError(err, "resume failed", map[string]any{"download_id": id})
	}
	rec.dl.Status = models.StatusDownloading
	dm.takeSlotLocked(rec)
	wait := dm.commitLocked(rec, false)
	snap := rec.dl.Clone()
	rec.mu.Unlock()

	logutils.Log.WithField("download_id", id).Info("Download resumed")
	return snap, awaitAll(ctx, wait)
}

// Cancel is the only path that destroys a download. Engine errors other than an unknown
// handle are logged and do not stop the removal.
func (dm *DownloadManager) Cancel(ctx context.Context, id string, deleteFiles bool) error {
	rec, err := dm.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return utils.WrapError(utils.ErrNotFound, "download "+id, nil)
	}
	rec.removed = true
	rec.view.Store(nil)
	rec.stopMonitor()
	monitorDone := rec.monitorDone
	handle := rec.handle
	dm.releaseSlotLocked(rec)
	snap := rec.dl.Clone()
	rec.mu.Unlock()

	if monitorDone != nil {
		select {
		case <-monitorDone:
		case <-ctx.Done():
		}
	}

	if handle != "" {
		if err := dm.engine.Remove(ctx, handle, deleteFiles); err != nil && !errors.Is(err, engine.ErrUnknownHandle) {
			logutils.Log.WithError(err).WithField("download_id", id).Warn("Engine remove failed, removing record anyway")
		}
	}

	dm.mu.Lock()
	delete(dm.records, id)
	if dm.byKey[rec.key] == rec {
		delete(dm.byKey, rec.key)
	}
	if handle != "" && dm.handles[handle] == rec {
		delete(dm.handles, handle)
	}
	dm.removeQueuedLocked(id)
	dm.mu.Unlock()

	wait := dm.journal.submit(journalEntry{
		id:     id,
		delete: true,
		event:  &models.Event{Type: models.EventRemoved, Download: snap},
	})

	logutils.Log.WithFields(map[string]any{
		"download_id":  id,
		"delete_files": deleteFiles,
	}).Info("Download removed")
	dm.admitNext()
	return awaitAll(ctx, wait)
}

func (dm *DownloadManager) Get(id string) (models.Download, error) {
	rec, err := dm.lookup(id)
	if err != nil {
		return models.Download{}, err
	}
	return rec.snapshot()
}

// List returns every live download ordered by creation time.
func (dm *DownloadManager) List() []models.Download {
	dm.mu.RLock()
	recs := make([]*record, 0, len(dm.records))
	for _, rec := range dm.records {
		recs = append(recs, rec)
	}
	dm.mu.RUnlock()

	out := make([]models.Download, 0, len(recs))
	for _, rec := range recs {
		if snap, err := rec.snapshot(); err == nil {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CountByStatus feeds the downloads gauge.
func (dm *DownloadManager) CountByStatus() map[models.DownloadStatus]int {
	counts := make(map[models.DownloadStatus]int)
	for _, d := range dm.List() {
		counts[d.Status]++
	}
	return counts
}

// Close stops event handling and waits for the journal to drain until ctx ends.
func (dm *DownloadManager) Close(ctx context.Context) {
	dm.mu.Lock()
	if dm.closed {
		dm.mu.Unlock()
		return
	}
	dm.closed = true
	dm.mu.Unlock()

	dm.cancel()
	dm.wg.Wait()
	dm.journal.close(ctx)
	logutils.Log.Info("Download manager stopped")
}

// awaitAll waits for every journal acknowledgement. ctx expiry yields ErrPersistencePending:
// the transition is applied in memory and will still be written.
func awaitAll(ctx context.Context, waits ...<-chan error) error {
	var errs []error
	for _, w := range waits {
		if w == nil {
			continue
		}
		select {
		case err := <-w:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", utils.ErrPersistencePending, ctx.Err())
		}
	}
	return errors.Join(errs...)
}
