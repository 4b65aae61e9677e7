package iam

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHub_SubscriberCancelsItself(t *testing.T) {
	hub := NewHub()

	var delivered int
	var cancel func()
	cancel = hub.Subscribe(func(Event) {
		delivered++
		cancel()
	})

	hub.Publish(Event{Type: EventAuthSuccess})
	hub.Publish(Event{Type: EventAuthSuccess})

	assert.Equal(t, 1, delivered)
}

func TestHub_SubscribeDuringPublish(t *testing.T) {
	hub := NewHub()

	var late int
	hub.Subscribe(func(Event) {
		hub.Subscribe(func(Event) { late++ })
	})

	// A subscriber added while an event is in flight sees only later events.
	hub.Publish(Event{Type: EventRoleCreated})
	assert.Equal(t, 0, late)
	hub.Publish(Event{Type: EventRoleCreated})
	assert.Equal(t, 1, late)
}
