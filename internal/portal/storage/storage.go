// Package storage provides the string key/value areas that back client-side
// state: the persistent "local" area shared by every tab of a browser and the
// per-tab "session" area.
package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on an area that has been closed.
var ErrClosed = errors.New("storage: area closed")

// Area is a flat string key/value store.
type Area interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
}

// Change describes a single key mutation. An empty NewValue means the key was removed.
type Change struct {
	Key      string `json:"key"`
	OldValue string `json:"oldValue,omitempty"`
	NewValue string `json:"newValue,omitempty"`
}

// Removed reports whether the change deleted the key.
func (c Change) Removed() bool {
	return c.NewValue == ""
}

// Watcher is implemented by areas that can report mutations made by other
// holders of the same underlying storage. The channel closes when ctx ends.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

// WatchableArea combines Area and Watcher.
type WatchableArea interface {
	Area
	Watcher
}

func diff(before, after map[string]string) []Change {
	var changes []Change
	for key, old := range before {
		if current, ok := after[key]; !ok {
			changes = append(changes, Change{Key: key, OldValue: old})
		} else if current != old {
			changes = append(changes, Change{Key: key, OldValue: old, NewValue: current})
		}
	}
	for key, current := range after {
		if _, ok := before[key]; !ok {
			changes = append(changes, Change{Key: key, NewValue: current})
		}
	}
	return changes
}
