package audit

import (
	"context"
	"sync"
)

// Recorder keeps entries in memory. Used by tests.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(ctx context.Context, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Find returns the entries with the given action.
func (r *Recorder) Find(action Action) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
