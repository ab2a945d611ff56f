package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Area. Every holder of the same *Memory sees the same
// data, which makes it the in-process equivalent of a browser storage area
// shared between tabs.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
	hub    hub
}

// NewMemory constructs an empty Memory area.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	return value, ok, nil
}

// Set stores value under key. Setting an empty value removes the key.
func (m *Memory) Set(ctx context.Context, key, value string) error {
	if value == "" {
		return m.Remove(ctx, key)
	}
	m.mu.Lock()
	old, existed := m.values[key]
	m.values[key] = value
	m.mu.Unlock()

	if !existed || old != value {
		m.hub.publish(Change{Key: key, OldValue: old, NewValue: value})
	}
	return nil
}

// Remove deletes key. Missing keys are ignored.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	old, existed := m.values[key]
	delete(m.values, key)
	m.mu.Unlock()

	if existed {
		m.hub.publish(Change{Key: key, OldValue: old})
	}
	return nil
}

// Clear removes every key.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	before := m.values
	m.values = make(map[string]string)
	m.mu.Unlock()

	for _, change := range diff(before, nil) {
		m.hub.publish(change)
	}
	return nil
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch streams changes until ctx is cancelled.
func (m *Memory) Watch(ctx context.Context) (<-chan Change, error) {
	return m.hub.subscribe(ctx), nil
}

// hub fans changes out to subscribers. Slow subscribers drop changes rather
// than block writers.
type hub struct {
	mu   sync.Mutex
	subs map[chan Change]struct{}
}

const subscriberBuffer = 64

func (h *hub) subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, subscriberBuffer)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[chan Change]struct{})
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (h *hub) publish(change Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
