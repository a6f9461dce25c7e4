package realtime

import (
	"sort"
	"sync"
)

// Listener observes shared state writes
type Listener func(key string, value any)

// SharedState is a small key/value store mirrored to every staff
// connection. Listeners are called synchronously after each Set.
type SharedState struct {
	mu        sync.RWMutex
	values    map[string]any
	listeners map[string]Listener
}

// NewSharedState creates an empty store
func NewSharedState() *SharedState {
	return &SharedState{
		values:    make(map[string]any),
		listeners: make(map[string]Listener),
	}
}

// Get returns the value under key
func (s *SharedState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Snapshot returns a shallow copy of the whole store
func (s *SharedState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set stores value and notifies every listener
func (s *SharedState) Set(key string, value any) {
	s.set(key, value, true)
}

// SetSilently stores value without notifying listeners
func (s *SharedState) SetSilently(key string, value any) {
	s.set(key, value, false)
}

func (s *SharedState) set(key string, value any, notify bool) {
	s.mu.Lock()
	s.values[key] = value
	var ls []Listener
	if notify {
		names := make([]string, 0, len(s.listeners))
		for name := range s.listeners {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ls = append(ls, s.listeners[name])
		}
	}
	s.mu.Unlock()

	for _, l := range ls {
		l(key, value)
	}
}

// Subscribe registers a named listener, replacing one with the same name
func (s *SharedState) Subscribe(name string, l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[name] = l
}

// Unsubscribe removes a named listener
func (s *SharedState) Unsubscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, name)
}
