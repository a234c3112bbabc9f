package manager

import (
	"fmt"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/engine"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
)

// dispatch routes engine events by handle into per-download inboxes.
func (dm *DownloadManager) dispatch() {
	defer dm.wg.Done()
	events := dm.engine.Events()
	for {
		select {
		case <-dm.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				logutils.Log.Debug("Engine event stream closed")
				return
			}
			dm.route(ev)
		}
	}
}

// route never blocks: a stalled monitor must not hold up events for other downloads.
// Ticks are dropped when the inbox is full. Only the first terminal event matters.
func (dm *DownloadManager) route(ev engine.Event) {
	// Monitor channels are only assigned under dm.mu, so route never waits on a record lock.
	dm.mu.RLock()
	rec, ok := dm.handles[ev.Handle]
	var inbox, terminal chan engine.Event
	if ok {
		inbox, terminal = rec.inbox, rec.terminal
	}
	dm.mu.RUnlock()
	if !ok || inbox == nil {
		logutils.Log.WithFields(map[string]any{
			"handle": string(ev.Handle),
			"kind":   ev.Kind.String(),
		}).Debug("Dropping event for unknown handle")
		return
	}
	id := rec.dl.ID

	switch ev.Kind {
	case engine.EventWarning:
		logutils.Log.WithError(ev.Err).WithField("download_id", id).Warn("Engine warning")
	case engine.EventTick:
		select {
		case inbox <- ev:
		default:
		}
	default:
		select {
		case terminal <- ev:
		default:
		}
	}
}

// attachLocked makes rec the owner of h and starts the goroutine that applies its events.
// A handle already owned by another download is refused and rec stays unattached, so
// cancelling rec can never remove the other download's transfer. The caller holds rec.mu.
func (dm *DownloadManager) attachLocked(rec *record, h engine.Handle) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if owner, ok := dm.handles[h]; ok && owner != rec {
		return engine.Rejected(fmt.Errorf("%w: %s", ErrTransferOwned, owner.dl.ID), rec.dl.Locator)
	}
	rec.handle = h
	dm.handles[h] = rec
	if dm.closed || rec.monitorDone != nil {
		return nil
	}

	rec.inbox = make(chan engine.Event, inboxSize)
	rec.terminal = make(chan engine.Event, 1)
	rec.stop = make(chan struct{})
	rec.monitorDone = make(chan struct{})
	dm.wg.Add(1)
	go dm.monitor(rec, rec.inbox, rec.terminal, rec.stop, rec.monitorDone)
	return nil
}

func (dm *DownloadManager) monitor(rec *record, inbox, terminal <-chan engine.Event, stop <-chan struct{}, done chan struct{}) {
	defer dm.wg.Done()
	defer close(done)
	for {
		select {
		case <-dm.ctx.Done():
			return
		case <-stop:
			return
		case ev := <-terminal:
			if dm.apply(rec, ev) {
				return
			}
		case ev := <-inbox:
			if dm.apply(rec, ev) {
				return
			}
		}
	}
}

// apply folds one engine event into rec and reports whether the download became terminal.
func (dm *DownloadManager) apply(rec *record, ev engine.Event) bool {
	rec.mu.Lock()
	if rec.removed || rec.dl.Status.IsTerminal() {
		rec.mu.Unlock()
		return true
	}

	var (
		terminal bool
		admit    bool
	)
	switch ev.Kind {
	case engine.EventTick:
		if rec.dl.Status == models.StatusDownloading {
			dm.applyTickLocked(rec, ev.Status)
		}
	case engine.EventCompleted:
		if rec.dl.Status == models.StatusDownloading || rec.dl.Status == models.StatusPaused {
			dm.applyCompletionLocked(rec, ev.Status)
			terminal, admit = true, true
		}
	case engine.EventFailed:
		logutils.Log.WithError(ev.Err).WithField("download_id", rec.dl.ID).Error("Download failed")
		dm.failLocked(rec, ev.Err)
		terminal, admit = true, true
	}
	rec.mu.Unlock()

	if admit {
		dm.admitNext()
	}
	return terminal
}

func (dm *DownloadManager) applyTickLocked(rec *record, st engine.Status) {
	d := &rec.dl
	d.DownloadedBytes = max(d.DownloadedBytes, st.DownloadedBytes)
	if st.TotalBytes > 0 {
		d.TotalBytes = st.TotalBytes
	}
	if d.TotalBytes > 0 && d.TotalBytes < d.DownloadedBytes {
		d.TotalBytes = d.DownloadedBytes
	}
	if d.TotalBytes > 0 {
		pct := int(d.DownloadedBytes * 100 / d.TotalBytes)
		d.ProgressPercent = min(max(pct, d.ProgressPercent), 100)
	}
	d.DownloadRate = max(st.DownloadRate, 0)
	d.UploadRate = max(st.UploadRate, 0)
	d.Peers = max(st.Peers, 0)
	if d.DownloadRate > 0 && d.TotalBytes > 0 {
		eta := (d.TotalBytes - d.DownloadedBytes) / d.DownloadRate
		d.ETASeconds = &eta
	} else {
		d.ETASeconds = nil
	}

	snap := d.Clone()
	rec.setViewLocked()
	entry := journalEntry{
		id:    snap.ID,
		event: &models.Event{Type: models.EventTick, Download: snap},
	}
	if now := time.Now(); now.Sub(rec.lastPersist) >= dm.opts.PersistInterval {
		rec.lastPersist = now
		entry.write = &snap
	}
	dm.journal.submit(entry)
}

func (dm *DownloadManager) applyCompletionLocked(rec *record, st engine.Status) {
	d := &rec.dl
	d.TotalBytes = max(d.TotalBytes, st.TotalBytes, d.DownloadedBytes, st.DownloadedBytes)
	d.DownloadedBytes = d.TotalBytes
	d.ProgressPercent = 100
	now := time.Now().UTC()
	d.CompletedAt = &now
	d.DownloadRate, d.UploadRate, d.Peers = 0, 0, 0
	var eta int64
	d.ETASeconds = &eta
	d.LastError = nil
	dm.releaseSlotLocked(rec)

	logutils.Log.WithFields(map[string]any{
		"download_id": d.ID,
		"title":       d.DisplayName,
		"size":        d.TotalBytes,
	}).Info("Download completed")
	d.Status = models.StatusCompleted
	dm.commitLocked(rec, true)
}
