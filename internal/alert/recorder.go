package alert

import (
	"context"
	"sync"
)

// Recorded is one captured alert.
type Recorded struct {
	Reason  string
	Message string
	Fields  map[string]string
}

// Recorder is an in-memory Alerter used by tests and local tooling.
type Recorder struct {
	mu     sync.Mutex
	alerts []Recorded
}

func (r *Recorder) Notify(_ context.Context, reason string, message string, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, Recorded{Reason: reason, Message: message, Fields: fields})
}

func (r *Recorder) Alerts() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// Count returns how many alerts carried the given reason.
func (r *Recorder) Count(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Reason == reason {
			n++
		}
	}
	return n
}
