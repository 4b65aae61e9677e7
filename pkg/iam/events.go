package iam

import (
	"sync"
	"time"
)

// EventType names a notification emitted by the IAM core.
type EventType string

const (
	EventUserRegistered       EventType = "user:registered"
	EventAuthSuccess          EventType = "auth:success"
	EventAuthFailed           EventType = "auth:failed"
	EventAccountLocked        EventType = "account:locked"
	EventAccountUnlocked      EventType = "account:unlocked"
	EventAccountDeactivated   EventType = "account:deactivated"
	EventSessionCreated       EventType = "session:created"
	EventSessionRevoked       EventType = "session:revoked"
	EventSessionExpired       EventType = "session:expired"
	EventPermissionCreated    EventType = "permission:created"
	EventRoleCreated          EventType = "role:created"
	EventSubjectRoleAssigned  EventType = "subject:role:assigned"
	EventAuthorizationGranted EventType = "authorization:granted"
	EventAuthorizationDenied  EventType = "authorization:denied"
)

// Event is a point-in-time notification. Fields carry event-specific detail
// such as user_id, session_id, or the internal failure reason that external
// results deliberately hide.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Hub fans events out to subscribers. Delivery is synchronous: an event from
// a mutating call is observed before that call returns.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

// NewHub creates an empty notification hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Event))}
}

// Subscribe registers a callback for every subsequent event and returns a
// cancel function. Callbacks run synchronously on the emitting goroutine and
// must not block.
func (h *Hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Publish delivers an event to every subscriber. Callbacks run outside the
// hub's lock, so a subscriber may cancel itself or register new subscribers
// while handling an event.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	h.mu.RLock()
	fns := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
}

// emit is a convenience wrapper used by the services.
func (h *Hub) emit(t EventType, fields map[string]any) {
	if h == nil {
		return
	}
	h.Publish(Event{Type: t, Fields: fields})
}
