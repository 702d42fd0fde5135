package sync

import "sync"

// NetState is one observed connectivity snapshot.
type NetState struct {
	Connected   bool
	Expensive   bool // metered link
	Constrained bool // OS-imposed data saver
}

// Connectivity reports link state and delivers ordered change
// notifications on a single channel. Subscribers must not block the
// channel; the coordinator hands notifications off to its own goroutine.
type Connectivity interface {
	Current() NetState
	Changes() <-chan NetState
}

// ManualConnectivity is a Connectivity driven by explicit Set calls.
// The CLI uses it when no platform network monitor is wired in, and
// tests use it to script connectivity transitions.
type ManualConnectivity struct {
	mu      sync.Mutex
	state   NetState
	changes chan NetState
}

// NewManualConnectivity starts in the given state.
func NewManualConnectivity(initial NetState) *ManualConnectivity {
	return &ManualConnectivity{
		state:   initial,
		changes: make(chan NetState, 16),
	}
}

// Current returns the latest observed state.
func (m *ManualConnectivity) Current() NetState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Changes returns the ordered notification channel.
func (m *ManualConnectivity) Changes() <-chan NetState {
	return m.changes
}

// Set records a new state and notifies. If the channel is full the
// oldest notification is dropped so Set never blocks.
func (m *ManualConnectivity) Set(state NetState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	for {
		select {
		case m.changes <- state:
			return
		default:
			select {
			case <-m.changes:
			default:
			}
		}
	}
}
