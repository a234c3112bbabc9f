// Package hub fans Download Manager events out to push subscribers.
package hub

import (
	"sort"
	"sync"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
)

type MessageType string

const (
	MessageSnapshot    MessageType = "snapshot"
	MessageTick        MessageType = "tick"
	MessageStateChange MessageType = "stateChange"
	MessageRemoved     MessageType = "removed"
)

type Message struct {
	Type      MessageType       `json:"type"`
	Downloads []models.Download `json:"downloads,omitempty"`
	Download  *models.Download  `json:"download,omitempty"`
	Terminal  bool              `json:"terminal,omitempty"`
}

// Subscription is one push consumer. Its channel is closed when it is dropped or unsubscribed.
type Subscription struct {
	id uint64
	ch chan Message
}

func (s *Subscription) C() <-chan Message {
	return s.ch
}

type Hub struct {
	mu      sync.Mutex
	current map[string]models.Download
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	onDrop  func()
}

type Option func(*Hub)

// WithDropHook is called once for every subscriber dropped for falling behind.
func WithDropHook(fn func()) Option {
	return func(h *Hub) { h.onDrop = fn }
}

func New(buffer int, opts ...Option) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	h := &Hub{
		current: make(map[string]models.Download),
		subs:    make(map[uint64]*Subscription),
		buffer:  buffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish records ev and forwards it to every subscriber without blocking.
func (h *Hub) Publish(ev models.Event) {
	msg := Message{Terminal: ev.Terminal}
	d := ev.Download.Clone()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch ev.Type {
	case models.EventTick:
		msg.Type = MessageTick
		h.current[d.ID] = d
	case models.EventStateChange:
		msg.Type = MessageStateChange
		h.current[d.ID] = d
	case models.EventRemoved:
		msg.Type = MessageRemoved
		delete(h.current, d.ID)
	default:
		logutils.Log.WithField("type", ev.Type).Warn("Hub ignored unknown event type")
		return
	}
	msg.Download = &d

	for id, sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			delete(h.subs, id)
			close(sub.ch)
			logutils.Log.WithField("subscriber", id).Warn("Dropping slow push subscriber")
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// Subscribe registers a subscriber whose first message is a snapshot of every current download.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{ch: make(chan Message, h.buffer+1)}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	sub.ch <- Message{Type: MessageSnapshot, Downloads: h.snapshotLocked()}
	h.subs[sub.id] = sub

	logutils.Log.WithField("subscriber", sub.id).Debug("Push subscriber registered")
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
}

// Snapshot returns the hub's view of all downloads ordered by creation time.
func (h *Hub) Snapshot() []models.Download {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() []models.Download {
	out := make([]models.Download, 0, len(h.current))
	for _, d := range h.current {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscriber. Later Subscribe calls get an already closed subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
