package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/utils"
	"github.com/cenkalti/backoff/v4"
)

// journalEntry is one durable step. write and delete are mutually exclusive; an entry with
// neither only publishes its event.
type journalEntry struct {
	id     string
	write  *models.Download
	delete bool
	event  *models.Event
	done   chan error
}

// journal applies store writes in FIFO order and publishes each event only after its write lands.
// It is the single publisher to the hub, so per-download event order equals submission order.
type journal struct {
	store          Store
	pub            Publisher
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu       sync.Mutex
	queue    []journalEntry
	draining bool
	stopped  bool
	notify   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newJournal(store Store, pub Publisher, initialBackoff, maxBackoff time.Duration) *journal {
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &journal{
		store:          store,
		pub:            pub,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		notify:         make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go j.run()
	return j
}

// submit enqueues e. The returned channel yields nil once e is durable and published.
func (j *journal) submit(e journalEntry) <-chan error {
	e.done = make(chan error, 1)

	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		e.done <- fmt.Errorf("%w: journal stopped", utils.ErrPersistenceFailure)
		return e.done
	}
	if !j.coalesceLocked(e) {
		j.queue = append(j.queue, e)
	}
	j.mu.Unlock()

	select {
	case j.notify <- struct{}{}:
	default:
	}
	return e.done
}

func (e *journalEntry) isTick() bool {
	return !e.delete && e.event != nil && e.event.Type == models.EventTick
}

// coalesceLocked folds a tick into the newest pending entry of the same download when that
// entry is also a tick, so a store outage keeps at most one pending tick per download.
// The superseded entry is acknowledged; a pending write is carried by the newer snapshot.
func (j *journal) coalesceLocked(e journalEntry) bool {
	if !e.isTick() {
		return false
	}
	for i := len(j.queue) - 1; i >= 0; i-- {
		prev := &j.queue[i]
		if prev.id != e.id {
			continue
		}
		if !prev.isTick() {
			return false
		}
		if e.write == nil && prev.write != nil {
			snap := e.event.Download.Clone()
			e.write = &snap
		}
		prev.done <- nil
		*prev = e
		return true
	}
	return false
}

func (j *journal) run() {
	defer close(j.done)
	for {
		j.mu.Lock()
		if len(j.queue) == 0 {
			draining := j.draining
			j.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-j.notify:
				continue
			case <-j.ctx.Done():
				return
			}
		}
		e := j.queue[0]
		j.queue[0] = journalEntry{}
		j.queue = j.queue[1:]
		j.mu.Unlock()

		e.done <- j.apply(e)
	}
}

func (j *journal) apply(e journalEntry) error {
	if e.write != nil || e.delete {
		if err := j.persist(e); err != nil {
			logutils.Log.WithError(err).WithField("download_id", e.id).Error("Journal gave up on store write")
			return utils.WrapError(utils.ErrPersistenceFailure, err.Error(), map[string]any{
				"download_id": e.id,
			})
		}
	}
	if e.event != nil {
		j.pub.Publish(*e.event)
	}
	return nil
}

func (j *journal) persist(e journalEntry) error {
	op := func() error {
		if e.delete {
			return j.store.DeleteDownload(j.ctx, e.id)
		}
		return j.store.SaveDownload(j.ctx, e.write)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = j.initialBackoff
	b.MaxInterval = j.maxBackoff
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(op, backoff.WithContext(b, j.ctx), func(err error, next time.Duration) {
		logutils.Log.WithError(err).WithFields(map[string]any{
			"download_id": e.id,
			"retry_in":    next.String(),
		}).Warn("Store write failed, retrying")
	})
}

// close lets queued entries drain until ctx ends, then abandons the rest.
func (j *journal) close(ctx context.Context) {
	j.mu.Lock()
	j.draining = true
	j.mu.Unlock()
	select {
	case j.notify <- struct{}{}:
	default:
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		j.cancel()
		<-j.done
	}
	j.cancel()

	j.mu.Lock()
	j.stopped = true
	rest := j.queue
	j.queue = nil
	j.mu.Unlock()
	for _, e := range rest {
		e.done <- fmt.Errorf("%w: journal stopped before write", utils.ErrPersistenceFailure)
	}
}

// pending reports the number of entries not yet applied.
func (j *journal) pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.queue)
}
