package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryLog is an in-process Log for the memory store driver and tests.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
	now     func() time.Time
}

// NewMemoryLog returns a MemoryLog holding only the genesis entry.
func NewMemoryLog() *MemoryLog {
	l := &MemoryLog{now: time.Now}
	l.entries = []*Entry{genesis(l.now().UTC())}
	return l
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, agentID, action, actor string, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.entries[len(l.entries)-1]
	e := &Entry{
		Index:     prev.Index + 1,
		Timestamp: l.now().UTC(),
		AgentID:   agentID,
		Action:    action,
		Actor:     actor,
		DataHash:  digest(raw),
		PrevHash:  prev.Hash,
	}
	e.Hash = hashEntry(e)
	l.entries = append(l.entries, e)

	cp := *e
	return &cp, nil
}

// History implements Log.
func (l *MemoryLog) History(_ context.Context, agentID string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Entry
	for _, e := range l.entries {
		if e.AgentID == agentID && e.Index > 0 {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var prev *Entry
	for _, curr := range l.entries {
		if err := link(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}
