package history

import (
	"sort"
	"sync"

	"finitefield.org/campus-portal/internal/portal/policy"
)

// EventKind identifies a raw navigation event.
type EventKind int

const (
	PopState EventKind = iota
	HashChange
	BeforeUnload
)

func (k EventKind) String() string {
	switch k {
	case PopState:
		return "popstate"
	case HashChange:
		return "hashchange"
	case BeforeUnload:
		return "beforeunload"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners. URL is the location after the event.
type Event struct {
	Kind      EventKind
	URL       string
	OldURL    string
	prevented bool
}

// PreventDefault asks the window to cancel the navigation, where supported.
func (e *Event) PreventDefault() {
	e.prevented = true
}

// Prevented reports whether a listener called PreventDefault.
func (e *Event) Prevented() bool {
	return e.prevented
}

// Listener handles a navigation event.
type Listener func(*Event)

// Window is the navigation surface of one browsing context.
type Window interface {
	Location() policy.Location
	PushState(url string)
	ReplaceState(url string)
	// AddListener registers fn and returns a func removing it.
	AddListener(kind EventKind, fn Listener) func()
}

// MemoryWindow is an in-process Window with a history stack.
type MemoryWindow struct {
	mu        sync.Mutex
	entries   []string
	index     int
	listeners map[EventKind]map[int]Listener
	nextID    int
}

var _ Window = (*MemoryWindow)(nil)

// NewMemoryWindow opens a window at initial.
func NewMemoryWindow(initial string) *MemoryWindow {
	return &MemoryWindow{
		entries:   []string{policy.ParseLocation(initial).String()},
		listeners: make(map[EventKind]map[int]Listener),
	}
}

// Location returns the current entry.
func (w *MemoryWindow) Location() policy.Location {
	return policy.ParseLocation(w.URL())
}

// URL returns the current entry as a string.
func (w *MemoryWindow) URL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries[w.index]
}

// PushState adds an entry after the current one, dropping forward history.
func (w *MemoryWindow) PushState(url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.push(policy.ParseLocation(url).String())
}

// ReplaceState overwrites the current entry.
func (w *MemoryWindow) ReplaceState(url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[w.index] = policy.ParseLocation(url).String()
}

// AddListener registers fn for kind.
func (w *MemoryWindow) AddListener(kind EventKind, fn Listener) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	if w.listeners[kind] == nil {
		w.listeners[kind] = make(map[int]Listener)
	}
	w.listeners[kind][id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.listeners[kind], id)
			w.mu.Unlock()
		})
	}
}

// Back moves one entry back and raises PopState. It reports false at the
// start of history.
func (w *MemoryWindow) Back() bool {
	return w.traverse(-1)
}

// Forward moves one entry forward and raises PopState.
func (w *MemoryWindow) Forward() bool {
	return w.traverse(1)
}

// SetHash changes the fragment of the current location and raises HashChange.
func (w *MemoryWindow) SetHash(hash string) {
	w.mu.Lock()
	old := w.entries[w.index]
	loc := policy.ParseLocation(old)
	loc.Hash = hash
	next := loc.String()
	w.push(next)
	w.mu.Unlock()

	w.dispatch(&Event{Kind: HashChange, URL: next, OldURL: old})
}

// Unload raises BeforeUnload and reports whether a listener prevented it.
func (w *MemoryWindow) Unload() bool {
	ev := &Event{Kind: BeforeUnload, URL: w.URL()}
	w.dispatch(ev)
	return ev.Prevented()
}

// Entries returns a copy of the history stack and the current index.
func (w *MemoryWindow) Entries() ([]string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.entries...), w.index
}

// ListenerCount returns the number of registered listeners for kind.
func (w *MemoryWindow) ListenerCount(kind EventKind) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners[kind])
}

func (w *MemoryWindow) traverse(delta int) bool {
	w.mu.Lock()
	next := w.index + delta
	if next < 0 || next >= len(w.entries) {
		w.mu.Unlock()
		return false
	}
	old := w.entries[w.index]
	w.index = next
	url := w.entries[w.index]
	w.mu.Unlock()

	w.dispatch(&Event{Kind: PopState, URL: url, OldURL: old})
	return true
}

func (w *MemoryWindow) push(url string) {
	w.entries = append(w.entries[:w.index+1], url)
	w.index = len(w.entries) - 1
}

// dispatch runs listeners in registration order without holding the lock.
func (w *MemoryWindow) dispatch(ev *Event) {
	w.mu.Lock()
	ids := make([]int, 0, len(w.listeners[ev.Kind]))
	for id := range w.listeners[ev.Kind] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, w.listeners[ev.Kind][id])
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
