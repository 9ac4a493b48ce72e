// Package notify publishes upload progress to whoever is currently listening.
// Delivery is best effort: there is no backlog, and observers that attach
// late must read current state from the store.
package notify

import (
	"sync"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/logger"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/models"
)

var log = logger.For("Notify")

// Observer receives events. An observer returning an error is detached.
type Observer interface {
	Notify(ev models.Event) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev models.Event) error

func (f ObserverFunc) Notify(ev models.Event) error { return f(ev) }

// Hub holds attached observers and fans events out to them.
type Hub struct {
	mu        sync.RWMutex
	observers map[int]Observer
	nextID    int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{observers: make(map[int]Observer)}
}

// Subscribe attaches an observer and returns a function that detaches it.
func (h *Hub) Subscribe(o Observer) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.observers[id] = o
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

// Len returns the number of attached observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Publish delivers ev to every observer attached right now.
func (h *Hub) Publish(ev models.Event) {
	h.mu.RLock()
	targets := make(map[int]Observer, len(h.observers))
	for id, o := range h.observers {
		targets[id] = o
	}
	h.mu.RUnlock()

	for id, o := range targets {
		if err := o.Notify(ev); err != nil {
			log.Debug("dropping observer", "id", id, "err", err)
			h.remove(id)
		}
	}
}

func (h *Hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers, id)
}

// ChanObserver buffers events in a channel, dropping them when the reader
// falls behind.
type ChanObserver struct {
	C chan models.Event
}

// NewChanObserver creates a channel observer with the given buffer size.
func NewChanObserver(size int) *ChanObserver {
	return &ChanObserver{C: make(chan models.Event, size)}
}

func (c *ChanObserver) Notify(ev models.Event) error {
	select {
	case c.C <- ev:
	default:
	}
	return nil
}
