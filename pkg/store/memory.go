package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Memory is an in-process Store for development and tests. Values are stored
// as their JSON form so callers cannot alias them.
type Memory struct {
	mu    sync.Mutex
	calls map[string]map[string]any
	lists map[string]map[string]map[string]any
}

func NewMemory() *Memory {
	return &Memory{
		calls: make(map[string]map[string]any),
		lists: make(map[string]map[string]map[string]any),
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Patch(ctx context.Context, callID string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := roundTrip(fields)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.calls[callID]
	if doc == nil {
		doc = make(map[string]any)
		m.calls[callID] = doc
	}
	for k, v := range normalized.(map[string]any) {
		doc[k] = v
	}
	return nil
}

func (m *Memory) Append(ctx context.Context, callID, list, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := roundTrip(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lists := m.lists[callID]
	if lists == nil {
		lists = make(map[string]map[string]any)
		m.lists[callID] = lists
	}
	if lists[list] == nil {
		lists[list] = make(map[string]any)
	}
	lists[list][key] = normalized
	return nil
}

// Get returns a copy of the document for callID.
func (m *Memory) Get(callID string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.calls[callID]))
	for k, v := range m.calls[callID] {
		out[k] = v
	}
	return out
}

// List returns a list's values ordered by key.
func (m *Memory) List(callID, list string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.lists[callID][list]
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, entries[k])
	}
	return out
}

func roundTrip(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
