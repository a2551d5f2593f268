package events

import (
	"context"
	"sync"
)

// Recorder keeps published envelopes in memory. Used by tests and the
// in-memory deployment mode.
type Recorder struct {
	mu  sync.Mutex
	out []Envelope
	Err error
}

func (r *Recorder) Publish(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.out = append(r.out, env)
	return nil
}

func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.out))
	copy(out, r.out)
	return out
}

// OfType filters recorded envelopes by event type.
func (r *Recorder) OfType(eventType string) []Envelope {
	var out []Envelope
	for _, e := range r.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
