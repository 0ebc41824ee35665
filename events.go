package vaultd

import (
	"sync"

	evbus "github.com/asaskevich/EventBus"
	"github.com/rs/zerolog/log"
)

// Topics published to observers. Every payload is JSON-serializable and
// carries the device id.
const (
	EventFeatures            = "device:features"
	EventPinRequestTriggered = "device:pin-request-triggered"
	EventAccessDenied        = "device:access-denied"
	EventResponse            = "device:response"
)

// Event is one observer-visible notification.
type Event struct {
	Topic    string `json:"topic"`
	DeviceID string `json:"device_id"`
	Payload  any    `json:"payload,omitempty"`
}

// Emitter publishes events on an EventBus. Events raised before any observer
// has signalled readiness are buffered in order and flushed by Ready, so a
// startup race cannot drop the first status updates.
type Emitter struct {
	bus evbus.Bus

	mu      sync.Mutex
	ready   bool
	backlog []Event
}

// NewEmitter returns an Emitter over a fresh bus.
func NewEmitter() *Emitter {
	return &Emitter{bus: evbus.New()}
}

// Subscribe registers a handler for one topic.
func (e *Emitter) Subscribe(topic string, handler func(Event)) error {
	return e.bus.Subscribe(topic, handler)
}

// Unsubscribe removes a previously registered handler.
func (e *Emitter) Unsubscribe(topic string, handler func(Event)) error {
	return e.bus.Unsubscribe(topic, handler)
}

// Emit publishes an event, or queues it when no observer is ready yet.
func (e *Emitter) Emit(topic, deviceID string, payload any) {
	evt := Event{Topic: topic, DeviceID: deviceID, Payload: payload}
	e.mu.Lock()
	if !e.ready {
		e.backlog = append(e.backlog, evt)
		e.mu.Unlock()
		log.Debug().Str("topic", topic).Str("device_id", deviceID).Msg("event queued until observer ready")
		return
	}
	e.mu.Unlock()
	e.bus.Publish(topic, evt)
}

// Ready marks the observer side as attached and flushes the backlog in the
// order events were raised.
func (e *Emitter) Ready() {
	e.mu.Lock()
	if e.ready {
		e.mu.Unlock()
		return
	}
	e.ready = true
	backlog := e.backlog
	e.backlog = nil
	e.mu.Unlock()
	for _, evt := range backlog {
		e.bus.Publish(evt.Topic, evt)
	}
	if len(backlog) > 0 {
		log.Info().Int("count", len(backlog)).Msg("flushed buffered events")
	}
}
