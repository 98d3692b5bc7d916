package flowz

import "sync"

// State describes where a stage is in its lifecycle.
//
// Stages move strictly forward: Idle -> Active -> one of the terminal
// states. A stage never re-enters Active after reaching a terminal state,
// and its teardown logic runs exactly once, on the first terminal
// transition, no matter how many termination triggers fire concurrently.
type State int32

const (
	// StateIdle means the stage is constructed but not yet attached to a
	// pipe or pipeline.
	StateIdle State = iota

	// StateActive means the stage is accepting or producing chunks.
	StateActive

	// StateCompleted means the producer signaled end-of-data and every
	// buffered chunk was delivered. Terminal.
	StateCompleted

	// StateErrored means an unrecoverable fault occurred in this stage or
	// a connected stage. Terminal.
	StateErrored

	// StateCancelled means external cancellation was requested. Terminal.
	StateCancelled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is one of Completed, Errored, or
// Cancelled.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

// lifecycle guards a stage's one-way state machine.
//
// The first terminal transition wins: it records the reason, runs the
// teardown hook exactly once, and closes the done channel. Later
// transitions are no-ops that report false.
type lifecycle struct {
	mu       sync.Mutex
	state    State
	reason   error
	teardown func(error)
	done     chan struct{}
}

func newLifecycle(teardown func(error)) *lifecycle {
	return &lifecycle{
		teardown: teardown,
		done:     make(chan struct{}),
	}
}

// activate moves Idle to Active. Safe to call repeatedly.
func (l *lifecycle) activate() {
	l.mu.Lock()
	if l.state == StateIdle {
		l.state = StateActive
	}
	l.mu.Unlock()
}

func (l *lifecycle) complete() bool { return l.transition(StateCompleted, nil) }

func (l *lifecycle) fail(err error) bool { return l.transition(StateErrored, err) }

func (l *lifecycle) cancel(reason error) bool { return l.transition(StateCancelled, reason) }

func (l *lifecycle) transition(to State, reason error) bool {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return false
	}
	l.state = to
	l.reason = reason
	td := l.teardown
	l.teardown = nil
	l.mu.Unlock()

	if td != nil {
		td(reason)
	}
	close(l.done)
	return true
}

// current returns the state at this instant.
func (l *lifecycle) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// err returns the terminal reason, nil unless Errored or Cancelled.
func (l *lifecycle) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// terminated returns a channel closed on the first terminal transition.
func (l *lifecycle) terminated() <-chan struct{} {
	return l.done
}
