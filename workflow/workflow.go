// Package workflow defines the contracts between the Oxbow runtime and
// application code: workflow definitions (decide/evolve), adapters (side
// effects), the system event vocabulary, and the event/command codec registry.
package workflow

import (
	"context"
	"time"
)

// Command is a request to change a workflow instance's state. Commands are
// serialized when they ride inside events (delay continuations, direct
// messages), so every command type must be registered with a Registry.
type Command interface {
	CommandType() string
}

// Event is an immutable fact appended to a workflow instance's log.
type Event interface {
	EventType() string
}

// Definition is the pure state machine supplied by the application for one
// workflow type. Decide and Evolve must be deterministic and free of I/O;
// the runtime calls them inside database transactions.
type Definition interface {
	// Name is the stable workflow type identifier used in storage rows,
	// broker subjects and reader names.
	Name() string

	// NewState returns a zero-value state for this workflow type. The
	// runtime uses it when a system event arrives before any user event
	// has established state.
	NewState() State

	// Decide validates cmd against state and returns the events to append.
	// state is nil when the instance does not exist yet. A business refusal
	// is returned as a *Rejection error; an empty event slice is a no-op.
	Decide(state State, cmd Command) ([]Event, error)

	// Evolve folds one user event into state. System events are folded by
	// the runtime before Evolve is consulted; Evolve never sees them.
	// state is nil for the first event of an instance.
	Evolve(state State, evt Event) State

	// EventToCommand translates a consumed event (from another instance, a
	// timer, or an external message) into a command on the local instance.
	// Returning nil means the event requires no command.
	EventToCommand(evt Event) Command

	// IsFinalEvent reports whether evt completes the instance.
	IsFinalEvent(evt Event) bool
}

// Upcaster is optionally implemented by a Definition whose event schemas have
// evolved. Upcast migrates a raw event body from the stored schema version to
// the current one before decoding; it runs only when schemaVersion differs
// from SchemaVersion().
type Upcaster interface {
	SchemaVersion() int
	Upcast(eventType string, schemaVersion int, raw []byte) ([]byte, error)
}

// Adapter executes externally observable side effects for events of one
// workflow type. Implementations must tolerate replays: the executor
// guarantees at-least-once execution with durable checkpoints.
type Adapter interface {
	// ShouldActOn reports whether the event carries a side effect. It is
	// called on the routing path and should not materialize the body unless
	// necessary.
	ShouldActOn(evt *Envelope) bool

	// ActOn runs the side effect. Commands are submitted and checkpoints
	// persisted through actx; returning an error schedules a retry per the
	// activity's retry policy.
	ActOn(ctx context.Context, evt *Envelope, actx *ActionContext) error
}

// StoredState is a reconstructed workflow state at a known version.
type StoredState struct {
	ID      string
	Version int64
	State   State
}

// DelayEvent is implemented by user events that request a timer. When such an
// event is appended, the runtime registers a delay schedule in the same
// transaction; when the schedule fires, a DelayComplete event carrying
// NextCommand is appended.
type DelayEvent interface {
	Event
	DelayID() string
	DelayUntil() time.Time
	NextCommand() Command
	// CronExpression returns a cron spec for recurring schedules, or ""
	// for a one-shot delay. CronTimezone is an IANA zone name; "" means UTC.
	CronExpression() string
	CronTimezone() string
}

// DirectMessageEvent is implemented by user events addressed to a single
// other instance. The runner routes the translated command to the target
// regardless of subscriptions.
type DirectMessageEvent interface {
	Event
	TargetWorkflowID() string
	TargetWorkflowType() string
}

// Tagged is optionally implemented by events that carry routing tags. Tags
// are stored in event metadata and matched against subscription tag filters.
type Tagged interface {
	EventTags() []string
}
