package manager

import (
	"slices"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
)

// slotFreeLocked reports whether another transfer may start. The caller holds dm.mu.
func (dm *DownloadManager) slotFreeLocked() bool {
	limit := dm.opts.MaxConcurrentDownloads
	return limit <= 0 || dm.active < limit
}

// takeSlotLocked reserves a slot for rec regardless of the limit. The caller holds rec.mu.
func (dm *DownloadManager) takeSlotLocked(rec *record) {
	if rec.hasSlot {
		return
	}
	rec.hasSlot = true
	dm.mu.Lock()
	dm.active++
	dm.mu.Unlock()
}

// releaseSlotLocked gives rec's slot back. The caller holds rec.mu.
func (dm *DownloadManager) releaseSlotLocked(rec *record) {
	if !rec.hasSlot {
		return
	}
	rec.hasSlot = false
	dm.mu.Lock()
	dm.active--
	dm.mu.Unlock()
}

func (dm *DownloadManager) removeQueuedLocked(id string) {
	if i := slices.Index(dm.queue, id); i >= 0 {
		dm.queue = slices.Delete(dm.queue, i, i+1)
	}
}

// admitNext starts queued downloads while slots are free.
func (dm *DownloadManager) admitNext() {
	for {
		dm.mu.Lock()
		if dm.closed || len(dm.queue) == 0 || !dm.slotFreeLocked() {
			dm.mu.Unlock()
			return
		}
		id := dm.queue[0]
		dm.queue = dm.queue[1:]
		rec, ok := dm.records[id]
		if ok {
			dm.active++
		}
		dm.mu.Unlock()
		if !ok {
			continue
		}

		rec.mu.Lock()
		if rec.removed || rec.dl.Status != models.StatusQueued {
			rec.mu.Unlock()
			dm.mu.Lock()
			dm.active--
			dm.mu.Unlock()
			continue
		}
		rec.hasSlot = true
		logutils.Log.WithField("download_id", id).Info("Admitting queued download")
		_, err := dm.startTransferLocked(dm.ctx, rec)
		rec.mu.Unlock()
		if err != nil && dm.ctx.Err() == nil {
			logutils.Log.WithError(err).WithField("download_id", id).Warn("Queued download was rejected")
		}
	}
}

// queued returns the ids waiting for a slot, in admission order.
func (dm *DownloadManager) queued() []string {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return slices.Clone(dm.queue)
}

// activeCount reports the number of slots in use.
func (dm *DownloadManager) activeCount() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.active
}

