package stream

import "sync"

// ConnState is the coarse connection status the rest of the app reads: it
// drives the poller's gate and whatever status indicator a UI shows.
type ConnState string

const (
	// StateIdle means the session has not been started yet.
	StateIdle ConnState = "idle"
	// StateConnecting means an attempt to open the stream is in flight.
	StateConnecting ConnState = "connecting"
	// StateLive means the stream is open and delivering events.
	StateLive ConnState = "live"
	// StateRetrying means a recent failure, with a reconnect scheduled soon.
	StateRetrying ConnState = "retrying"
	// StatePolling means repeated failures; the backend likely has no
	// working stream and the poller is the sync path until one recovers.
	StatePolling ConnState = "polling"
	// StateStopped is terminal, reached only by explicit teardown.
	StateStopped ConnState = "stopped"
)

// connStateHolder guards the current state and fans transitions out to an
// optional listener.
type connStateHolder struct {
	mu       sync.Mutex
	state    ConnState
	onChange func(ConnState)
}

func newConnStateHolder(onChange func(ConnState)) *connStateHolder {
	return &connStateHolder{state: StateIdle, onChange: onChange}
}

func (h *connStateHolder) get() ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *connStateHolder) set(next ConnState) {
	h.mu.Lock()
	if h.state == next || h.state == StateStopped {
		h.mu.Unlock()
		return
	}
	h.state = next
	listener := h.onChange
	h.mu.Unlock()

	if listener != nil {
		listener(next)
	}
}
