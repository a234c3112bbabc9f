package manager

import (
	"context"
	"fmt"
	"sort"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/utils"
)

// Restore loads persisted downloads, re-attaches active ones to the engine and refills the queue.
// A row that cannot be re-attached ends in error; it is never dropped.
func (dm *DownloadManager) Restore(ctx context.Context) error {
	rows, err := dm.store.ListDownloads(ctx)
	if err != nil {
		return utils.WrapError(err, "failed to load downloads", nil)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})

	var (
		recs  []*record
		waits []<-chan error
	)
	dm.mu.Lock()
	if dm.closed {
		dm.mu.Unlock()
		return ErrManagerClosed
	}
	for i := range rows {
		rec := &record{dl: rows[i].Clone()}
		if !rec.dl.Status.IsValid() {
			rec.dl.Status = models.StatusError
			msg := fmt.Sprintf("%s: unknown status %q", utils.ErrReconciliationFailure, rows[i].Status)
			rec.dl.LastError = &msg
		}
		// Rates from a previous run are stale.
		rec.dl.DownloadRate, rec.dl.UploadRate, rec.dl.Peers = 0, 0, 0
		if rec.dl.Status != models.StatusCompleted {
			rec.dl.ETASeconds = nil
		}
		rec.key = keyFor(rec.dl.Locator, rec.dl.SavePath)
		rec.setViewLocked()
		dm.records[rec.dl.ID] = rec
		dm.byKey[rec.key] = rec
		if rec.dl.Status == models.StatusQueued {
			dm.queue = append(dm.queue, rec.dl.ID)
		}
		recs = append(recs, rec)
	}
	dm.mu.Unlock()

	for _, rec := range recs {
		rec.mu.Lock()
		switch rec.dl.Status {
		case models.StatusDownloading, models.StatusPaused:
			waits = append(waits, dm.reattachLocked(ctx, rec))
		default:
			waits = append(waits, dm.publishLocked(rec))
		}
		rec.mu.Unlock()
	}

	logutils.Log.WithFields(map[string]any{
		"downloads": len(recs),
		"queued":    len(dm.queued()),
	}).Info("Restored downloads")
	dm.admitNext()
	return awaitAll(ctx, waits...)
}

// publishLocked seeds subscribers with rec without writing it.
func (dm *DownloadManager) publishLocked(rec *record) <-chan error {
	snap := rec.dl.Clone()
	return dm.journal.submit(journalEntry{
		id:    snap.ID,
		event: &models.Event{Type: models.EventStateChange, Download: snap, Terminal: snap.Status.IsTerminal()},
	})
}

func (dm *DownloadManager) reattachLocked(ctx context.Context, rec *record) <-chan error {
	paused := rec.dl.Status == models.StatusPaused
	dm.takeSlotLocked(rec)

	h, err := dm.engine.Add(ctx, rec.dl.Locator, rec.dl.SavePath)
	if err == nil {
		err = dm.attachLocked(rec, h)
	}
	if err == nil {
		if paused {
			err = dm.engine.Pause(ctx, h)
		}
	}
	if err != nil {
		logutils.Log.WithError(err).WithField("download_id", rec.dl.ID).Error("Failed to re-attach download")
		return dm.failLocked(rec, fmt.Errorf("%w: %w", utils.ErrReconciliationFailure, err))
	}

	if paused {
		dm.releaseSlotLocked(rec)
	}
	logutils.Log.WithFields(map[string]any{
		"download_id": rec.dl.ID,
		"status":      rec.dl.Status,
	}).Debug("Re-attached download")
	return dm.commitLocked(rec, false)
}
