package notify

import (
	"context"
	"sync"
)

// MemoryDispatcher records messages in process. Err, when set, is returned
// from every Dispatch call.
type MemoryDispatcher struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

func (d *MemoryDispatcher) Dispatch(_ context.Context, msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.messages = append(d.messages, stamp(msg))
	return nil
}

func (d *MemoryDispatcher) Messages(kind Kind) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Message
	for _, m := range d.messages {
		if kind == "" || m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}
