// state.go tracks per-connection state for the registry.
//
// Every ConnectionId has a ConnectionState that the Manager updates from its
// lifecycle methods. Registered callbacks run on every change; main wires one
// that writes connection_established / connection_terminated audit records.

package sshproxy

import (
	"sync"
	"time"
)

// ConnectionState is the state of one registered SSH connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the human-readable name of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets states render as strings in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateChangeCallback is called when a connection state changes.
// Callbacks are invoked synchronously, so long-running handlers should spawn goroutines.
type StateChangeCallback func(connectionID string, from, to ConnectionState, reason string)

// ConnectionStatus is a snapshot of one connection for listing.
type ConnectionStatus struct {
	ID        string          `json:"id"`
	State     ConnectionState `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	ChangedAt time.Time       `json:"changedAt"`
}

type stateEntry struct {
	current   ConnectionState
	reason    string
	changedAt time.Time
}

type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		states: make(map[string]*stateEntry),
	}
}

// setState updates the state for a connection and invokes callbacks. If the
// state is unchanged, this is a no-op.
func (st *stateTracker) setState(id string, state ConnectionState, reason string) {
	st.mu.Lock()
	entry, ok := st.states[id]
	if !ok {
		entry = &stateEntry{current: StateDisconnected}
		st.states[id] = entry
	}
	from := entry.current
	if ok && from == state {
		st.mu.Unlock()
		return
	}
	entry.current = state
	entry.reason = reason
	entry.changedAt = time.Now()

	// Copy callbacks under lock, invoke outside lock
	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	if from == state {
		return
	}
	for _, cb := range cbs {
		cb(id, from, state, reason)
	}
}

func (st *stateTracker) getState(id string) ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[id]
	if !ok {
		return StateDisconnected
	}
	return entry.current
}

func (st *stateTracker) snapshot() []ConnectionStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]ConnectionStatus, 0, len(st.states))
	for id, e := range st.states {
		out = append(out, ConnectionStatus{ID: id, State: e.current, Reason: e.reason, ChangedAt: e.changedAt})
	}
	return out
}

func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

// GetConnectionState returns the current state of a connection.
// Returns StateDisconnected for unknown ids.
func (m *Manager) GetConnectionState(connectionID string) ConnectionState {
	return m.stateTracker.getState(connectionID)
}

// OnStateChange registers a callback that is invoked on every connection state
// change.
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.stateTracker.onStateChange(cb)
}
