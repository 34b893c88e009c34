// Package events implements the per-session event bus that carries every
// observable state change of a conversation to its WebSocket client.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Subscriber receives serialized event envelopes for one session.
type Subscriber interface {
	// Send delivers one envelope. An error marks the subscriber dead and
	// removes it from the bus.
	Send(data []byte) error
	// Close terminates the subscriber with a human-readable reason.
	Close(reason string) error
}

// Envelope is the wire form of every event.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Bus routes events to at most one subscriber per session. A session's
// newest connection wins: subscribing closes the previous subscriber, which
// lets a reconnecting client take over its session cleanly. Publishing with
// no subscriber is a no-op so orchestration never blocks on a missing client.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
	sink Sink
}

// Sink observes every published event, subscriber or not. Used to persist
// the event stream.
type Sink interface {
	Record(ctx context.Context, sessionID, eventType string, payload any) error
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]Subscriber)}
}

// SetSink installs the audit sink. Call before the bus starts publishing.
func (b *Bus) SetSink(sink Sink) {
	b.sink = sink
}

// Connect registers sub as the session's subscriber, displacing any prior one.
func (b *Bus) Connect(sessionID string, sub Subscriber) {
	b.mu.Lock()
	prev := b.subs[sessionID]
	b.subs[sessionID] = sub
	b.mu.Unlock()

	if prev != nil {
		slog.Info("displacing previous subscriber", "session_id", sessionID)
		if err := prev.Close("new connection established"); err != nil {
			slog.Warn("closing displaced subscriber", "session_id", sessionID, "error", err)
		}
	}
}

// Disconnect removes sub if it is still the session's current subscriber.
// A subscriber that was already displaced must not tear down its successor.
func (b *Bus) Disconnect(sessionID string, sub Subscriber) {
	b.mu.Lock()
	if b.subs[sessionID] == sub {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()
}

// HasSubscriber reports whether the session currently has a live subscriber.
func (b *Bus) HasSubscriber(sessionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[sessionID]
	return ok
}

// Publish wraps data in an envelope and delivers it to the session's
// subscriber. A failed send removes the subscriber; the event is dropped.
func (b *Bus) Publish(sessionID, eventType string, data any) {
	if b.sink != nil {
		if err := b.sink.Record(context.Background(), sessionID, eventType, data); err != nil {
			slog.Warn("audit sink failed", "session_id", sessionID, "type", eventType, "error", err)
		}
	}

	b.mu.RLock()
	sub, ok := b.subs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	payload, err := json.Marshal(Envelope{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		slog.Error("failed to marshal event", "session_id", sessionID, "type", eventType, "error", err)
		return
	}

	if err := sub.Send(payload); err != nil {
		slog.Warn("removing subscriber after failed send",
			"session_id", sessionID, "type", eventType, "error", err)
		b.Disconnect(sessionID, sub)
	}
}

// CloseSession closes and removes the session's subscriber, if any.
func (b *Bus) CloseSession(sessionID, reason string) {
	b.mu.Lock()
	sub := b.subs[sessionID]
	delete(b.subs, sessionID)
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Close(reason)
	}
}
