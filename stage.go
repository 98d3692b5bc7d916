package flowz

// Name identifies stages, pipes, and pipelines in error paths, events, and
// traces. Using this type encourages storing names as constants rather than
// scattering inline strings:
//
//	const (
//	    ReadLogName  Name = "read-log"
//	    SplitName    Name = "split-lines"
//	    IndexName    Name = "index"
//	)
type Name = string

// Stage is the lifecycle surface shared by every pipeline member. Pipes and
// pipelines hold stages through this interface so they can fan out
// cancellation and inspect terminal state without knowing chunk types.
type Stage interface {
	// Name returns the stage's identifier.
	Name() Name

	// State returns the stage's lifecycle state at this instant.
	State() State

	// Err returns the stage's terminal reason: nil unless the stage is
	// Errored or Cancelled.
	Err() error

	// Cancel requests best-effort termination: stop producing or
	// accepting chunks, release underlying resources, and transition to
	// Cancelled. Idempotent; calling it on a terminal stage has no
	// effect.
	Cancel(reason error)

	// Done returns a channel closed when the stage reaches a terminal
	// state.
	Done() <-chan struct{}
}
