// Package stream fans session state changes out to websocket subscribers.
package stream

import (
	"log/slog"
	"sync"

	"github.com/ashureev/wa-scheduler/internal/domain"
)

const subscriberBuffer = 8

// Subscription receives the state changes of one user.
type Subscription struct {
	C <-chan domain.SessionState

	ch     chan domain.SessionState
	userID string
	hub    *Hub
	once   sync.Once
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Hub tracks the subscribers of every user. It implements
// session.Publisher.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber for userID.
func (h *Hub) Subscribe(userID string) *Subscription {
	ch := make(chan domain.SessionState, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, userID: userID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[*Subscription]struct{})
	}
	h.active[userID][sub] = struct{}{}
	slog.Debug("Session stream subscribed", "user_id", userID, "subscribers", len(h.active[userID]))
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.active[sub.userID]; ok {
		if _, exists := subs[sub]; exists {
			delete(subs, sub)
			close(sub.ch)
			if len(subs) == 0 {
				delete(h.active, sub.userID)
			}
			slog.Debug("Session stream unsubscribed", "user_id", sub.userID)
		}
	}
}

// Publish delivers state to every subscriber of userID. A subscriber whose
// buffer is full misses the update rather than blocking the publisher.
func (h *Hub) Publish(userID string, state domain.SessionState) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.active[userID] {
		select {
		case sub.ch <- state:
		default:
			slog.Warn("Dropping session update for slow subscriber", "user_id", userID, "phase", state.Phase)
		}
	}
}

// CloseUser detaches every subscriber of userID.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.active[userID]
	if !ok {
		return
	}
	for sub := range subs {
		close(sub.ch)
	}
	delete(h.active, userID)
	slog.Info("Session streams closed", "user_id", userID)
}

// Subscribers returns the number of subscribers of userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID])
}
