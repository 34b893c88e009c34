package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSubscriber collects envelopes in memory for assertions.
type memSubscriber struct {
	sent        [][]byte
	sendErr     error
	closeReason string
	closed      bool
}

func (s *memSubscriber) Send(data []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *memSubscriber) Close(reason string) error {
	s.closed = true
	s.closeReason = reason
	return nil
}

func (s *memSubscriber) envelopes(t *testing.T) []Envelope {
	t.Helper()
	out := make([]Envelope, 0, len(s.sent))
	for _, raw := range s.sent {
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		out = append(out, env)
	}
	return out
}

func TestPublishWrapsEnvelope(t *testing.T) {
	bus := NewBus()
	sub := &memSubscriber{}
	bus.Connect("s1", sub)

	bus.Publish("s1", EventStepStart, StepStartPayload{Step: 1, Total: 3, Title: "collect data"})

	envs := sub.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, EventStepStart, envs[0].Type)
	assert.False(t, envs[0].Timestamp.IsZero())
	data := envs[0].Data.(map[string]any)
	assert.Equal(t, float64(1), data["step"])
	assert.Equal(t, "collect data", data["title"])
}

func TestPublishWithoutSubscriberIsNoop(t *testing.T) {
	bus := NewBus()
	bus.Publish("ghost", EventError, ErrorPayload{Message: "nobody listening"})
	assert.False(t, bus.HasSubscriber("ghost"))
}

func TestNewestSubscriberWins(t *testing.T) {
	bus := NewBus()
	first := &memSubscriber{}
	second := &memSubscriber{}

	bus.Connect("s1", first)
	bus.Connect("s1", second)

	assert.True(t, first.closed)
	assert.Equal(t, "new connection established", first.closeReason)

	bus.Publish("s1", EventMessage, MessagePayload{Content: "hi", Role: "user"})
	assert.Empty(t, first.sent)
	require.Len(t, second.sent, 1)
}

func TestDisconnectOnlyRemovesCurrent(t *testing.T) {
	bus := NewBus()
	first := &memSubscriber{}
	second := &memSubscriber{}

	bus.Connect("s1", first)
	bus.Connect("s1", second)

	// The displaced subscriber's deferred disconnect must not tear down
	// its successor.
	bus.Disconnect("s1", first)
	assert.True(t, bus.HasSubscriber("s1"))

	bus.Disconnect("s1", second)
	assert.False(t, bus.HasSubscriber("s1"))
}

func TestFailedSendSweepsSubscriber(t *testing.T) {
	bus := NewBus()
	sub := &memSubscriber{sendErr: errors.New("connection reset")}
	bus.Connect("s1", sub)

	bus.Publish("s1", EventMessage, MessagePayload{Content: "hi"})
	assert.False(t, bus.HasSubscriber("s1"))
}

type memSink struct {
	records []string
}

func (s *memSink) Record(_ context.Context, sessionID, eventType string, _ any) error {
	s.records = append(s.records, sessionID+"/"+eventType)
	return nil
}

func TestSinkSeesEveryPublish(t *testing.T) {
	bus := NewBus()
	sink := &memSink{}
	bus.SetSink(sink)

	// Recorded even with no subscriber attached.
	bus.Publish("ghost", EventMessage, MessagePayload{Content: "hi"})

	sub := &memSubscriber{}
	bus.Connect("s1", sub)
	bus.Publish("s1", EventStepStart, StepStartPayload{Step: 1, Total: 1})

	assert.Equal(t, []string{"ghost/message", "s1/step_start"}, sink.records)
	assert.Len(t, sub.sent, 1)
}

func TestCloseSession(t *testing.T) {
	bus := NewBus()
	sub := &memSubscriber{}
	bus.Connect("s1", sub)

	bus.CloseSession("s1", "session deleted")
	assert.True(t, sub.closed)
	assert.Equal(t, "session deleted", sub.closeReason)
	assert.False(t, bus.HasSubscriber("s1"))
}
