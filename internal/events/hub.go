package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/shaiso/agentrun/internal/domain"
)

const defaultSubscriptionBuffer = 64

// Hub — in-process pub/sub событий по run.
//
// Publish никогда не блокируется: если буфер подписчика заполнен,
// подписка закрывается с флагом Lagged, и подписчик сам догоняет
// состояние из хранилища.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	buffer int
}

// Subscription — подписка на события одного run.
type Subscription struct {
	runID  uuid.UUID
	ch     chan domain.Event
	lagged atomic.Bool
	closed bool
}

// C возвращает канал событий. Закрывается при Unsubscribe или отставании.
func (s *Subscription) C() <-chan domain.Event {
	return s.ch
}

// Lagged возвращает true, если подписка закрыта из-за переполнения буфера.
func (s *Subscription) Lagged() bool {
	return s.lagged.Load()
}

// NewHub создаёт Hub. buffer <= 0 — 64 события на подписчика.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe подписывается на события run.
func (h *Hub) Subscribe(runID uuid.UUID) *Subscription {
	sub := &Subscription{
		runID: runID,
		ch:    make(chan domain.Event, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*Subscription]struct{})
	}
	h.subs[runID][sub] = struct{}{}
	return sub
}

// Unsubscribe удаляет подписку и закрывает её канал. Повторный вызов безопасен.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// PublishEvent реализует Sink.
func (h *Hub) PublishEvent(_ context.Context, ev domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[ev.RunID] {
		select {
		case sub.ch <- ev:
		default:
			sub.lagged.Store(true)
			h.removeLocked(sub)
		}
	}
	return nil
}

// Subscribers возвращает число подписчиков run.
func (h *Hub) Subscribers(runID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	set := h.subs[sub.runID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.runID)
	}
}
