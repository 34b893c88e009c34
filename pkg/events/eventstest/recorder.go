// Package eventstest provides an in-memory event subscriber for tests that
// assert on published event sequences.
package eventstest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/workstreamhq/maestro/pkg/events"
)

// Recorder implements events.Subscriber, collecting every envelope.
type Recorder struct {
	mu          sync.Mutex
	envelopes   []events.Envelope
	closed      bool
	closeReason string
}

func NewRecorder() *Recorder { return &Recorder{} }

// Send implements events.Subscriber.
func (r *Recorder) Send(data []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	r.mu.Lock()
	r.envelopes = append(r.envelopes, env)
	r.mu.Unlock()
	return nil
}

// Close implements events.Subscriber.
func (r *Recorder) Close(reason string) error {
	r.mu.Lock()
	r.closed = true
	r.closeReason = reason
	r.mu.Unlock()
	return nil
}

// Closed reports whether Close was called, and with what reason.
func (r *Recorder) Closed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed, r.closeReason
}

// Envelopes returns a copy of everything received so far.
func (r *Recorder) Envelopes() []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Envelope, len(r.envelopes))
	copy(out, r.envelopes)
	return out
}

// Types returns the event types received so far, in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envelopes))
	for i, e := range r.envelopes {
		out[i] = e.Type
	}
	return out
}

// Find returns the first envelope of the given type.
func (r *Recorder) Find(eventType string) (events.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.envelopes {
		if e.Type == eventType {
			return e, true
		}
	}
	return events.Envelope{}, false
}

// Last returns the most recent envelope of the given type.
func (r *Recorder) Last(eventType string) (events.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.envelopes) - 1; i >= 0; i-- {
		if r.envelopes[i].Type == eventType {
			return r.envelopes[i], true
		}
	}
	return events.Envelope{}, false
}

// Data returns the first payload of the given type as a map.
func (r *Recorder) Data(eventType string) (map[string]any, bool) {
	env, ok := r.Find(eventType)
	if !ok {
		return nil, false
	}
	data, ok := env.Data.(map[string]any)
	return data, ok
}

// WaitFor polls until an envelope of the given type arrives or the timeout
// elapses.
func (r *Recorder) WaitFor(eventType string, timeout time.Duration) (events.Envelope, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if env, ok := r.Find(eventType); ok {
			return env, true
		}
		if time.Now().After(deadline) {
			return events.Envelope{}, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TypesCondensed returns the received types with consecutive duplicates
// collapsed, which keeps streaming-chunk sequences assertable.
func (r *Recorder) TypesCondensed() []string {
	all := r.Types()
	var out []string
	for _, t := range all {
		if len(out) == 0 || out[len(out)-1] != t {
			out = append(out, t)
		}
	}
	return out
}
