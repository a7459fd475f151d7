package audit

import (
	"context"
	"sync"

	"github.com/hackgods/telemed-booking/internal/db"
)

// MemoryWriter keeps entries in process. Used by tests and by local runs that
// have no database for audit output.
type MemoryWriter struct {
	mu      sync.Mutex
	entries []Entry
	Err     error
}

func (m *MemoryWriter) Write(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryWriter) WriteTx(ctx context.Context, _ db.DBTX, e Entry) error {
	return m.Write(ctx, e)
}

func (m *MemoryWriter) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Find returns the entries with the given action and outcome.
func (m *MemoryWriter) Find(action string, outcome Outcome) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Action == action && e.Outcome == outcome {
			out = append(out, e)
		}
	}
	return out
}
