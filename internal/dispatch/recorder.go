package dispatch

import (
	"context"
	"sync"
)

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(ctx context.Context, channel, eventType string, payload any) error {
	r.mu.Lock()
	r.events = append(r.events, NewEnvelope(channel, eventType, payload))
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event types published on channel, in order.
func (r *Recorder) Types(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Channel == channel {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
