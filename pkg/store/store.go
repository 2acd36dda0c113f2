package store

import "context"

// Store mirrors call state to a real-time database keyed by call id.
type Store interface {
	// Patch merges fields into calls/{callID}. Nested maps are written as
	// whole values at their key.
	Patch(ctx context.Context, callID string, fields map[string]any) error
	// Append writes value under key in the list calls/{callID}/{list}. Keys
	// are chosen by the caller, so writing the same key twice leaves one
	// entry and a retried append cannot duplicate it.
	Append(ctx context.Context, callID, list, key string, value any) error
	Name() string
}
