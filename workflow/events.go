package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// System event type names. These are reserved; application events must not
// reuse them.
const (
	TypeSubscriptionAdded           = "subscription_added"
	TypeSubscriptionRemoved         = "subscription_removed"
	TypeExternalSubscriptionAdded   = "external_subscription_added"
	TypeExternalSubscriptionRemoved = "external_subscription_removed"
	TypeScheduleAdded               = "schedule_added"
	TypeScheduleRemoved             = "schedule_removed"
	TypeCancelSchedule              = "cancel_schedule"
	TypeSystemPause                 = "system_pause"
	TypeSystemResume                = "system_resume"
	TypeSystemCancel                = "system_cancel"
	TypeContinueAsNew               = "system_continue_as_new"
	TypeDelayComplete               = "delay_complete"
	TypeActionCancel                = "action_cancel"
)

// RawCommand is a serialized command, used where commands ride inside event
// bodies (delay continuations, cron schedules, direct messages).
type RawCommand struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeCommand serializes cmd into a RawCommand.
func EncodeCommand(cmd Command) (RawCommand, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return RawCommand{}, fmt.Errorf("encoding command %q: %w", cmd.CommandType(), err)
	}
	return RawCommand{Type: cmd.CommandType(), Data: data}, nil
}

// Decode reconstructs the command through the registry.
func (rc RawCommand) Decode(reg *Registry) (Command, error) {
	return reg.DecodeCommand(rc.Type, rc.Data)
}

// IsZero reports whether the RawCommand carries nothing.
func (rc RawCommand) IsZero() bool { return rc.Type == "" }

// SubscriptionAdded declares a new routing rule for the emitting instance.
// The rule is written to the subscription table in the same transaction as
// the event insert.
type SubscriptionAdded struct {
	Sub Sub `json:"sub"`
}

func (SubscriptionAdded) EventType() string { return TypeSubscriptionAdded }

// SubscriptionRemoved retracts a previously declared routing rule.
type SubscriptionRemoved struct {
	Sub Sub `json:"sub"`
}

func (SubscriptionRemoved) EventType() string { return TypeSubscriptionRemoved }

// ExternalSubscriptionAdded subscribes the instance to a broker topic.
type ExternalSubscriptionAdded struct {
	Topic string `json:"topic"`
}

func (ExternalSubscriptionAdded) EventType() string { return TypeExternalSubscriptionAdded }

// ExternalSubscriptionRemoved retracts a broker topic subscription.
type ExternalSubscriptionRemoved struct {
	Topic string `json:"topic"`
}

func (ExternalSubscriptionRemoved) EventType() string { return TypeExternalSubscriptionRemoved }

// ScheduleAdded declares a recurring cron continuation. The first firing is
// registered in the delay table in the same transaction as the event insert.
type ScheduleAdded struct {
	Schedule Schedule `json:"schedule"`
}

func (ScheduleAdded) EventType() string { return TypeScheduleAdded }

// ScheduleRemoved retracts a cron continuation and deletes its pending
// firing.
type ScheduleRemoved struct {
	ScheduleID string `json:"schedule_id"`
}

func (ScheduleRemoved) EventType() string { return TypeScheduleRemoved }

// CancelSchedule cancels a pending one-shot delay by its delay id.
type CancelSchedule struct {
	DelayID string `json:"delay_id"`
}

func (CancelSchedule) EventType() string { return TypeCancelSchedule }

// SystemPause suspends command processing for the instance.
type SystemPause struct {
	Reason string `json:"reason,omitempty"`
}

func (SystemPause) EventType() string { return TypeSystemPause }

// SystemResume lifts a pause.
type SystemResume struct {
	Reason string `json:"reason,omitempty"`
}

func (SystemResume) EventType() string { return TypeSystemResume }

// SystemCancel terminates the instance for commands. Pending delays are
// deleted and in-flight actions are asked to cancel.
type SystemCancel struct {
	Reason string `json:"reason,omitempty"`
}

func (SystemCancel) EventType() string { return TypeSystemCancel }

// ContinueAsNew is the marker event left at version 1 after an instance's
// log is reset with its state preserved.
type ContinueAsNew struct {
	PreviousVersion int64     `json:"previous_version"`
	NewType         string    `json:"new_type,omitempty"`
	At              time.Time `json:"at"`
}

func (ContinueAsNew) EventType() string { return TypeContinueAsNew }

// DelayComplete is appended by the delay scheduler when a timer fires. The
// carried command is routed back to the emitting instance.
type DelayComplete struct {
	DelayID string     `json:"delay_id"`
	FiredAt time.Time  `json:"fired_at"`
	Command RawCommand `json:"command"`
}

func (DelayComplete) EventType() string { return TypeDelayComplete }

// ActionCancel requests cancellation of the instance's in-flight actions.
// An empty Versions slice cancels all of them.
type ActionCancel struct {
	Versions []int64 `json:"versions,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

func (ActionCancel) EventType() string { return TypeActionCancel }

var systemEventTypes = map[string]func() Event{
	TypeSubscriptionAdded:           func() Event { return &SubscriptionAdded{} },
	TypeSubscriptionRemoved:         func() Event { return &SubscriptionRemoved{} },
	TypeExternalSubscriptionAdded:   func() Event { return &ExternalSubscriptionAdded{} },
	TypeExternalSubscriptionRemoved: func() Event { return &ExternalSubscriptionRemoved{} },
	TypeScheduleAdded:               func() Event { return &ScheduleAdded{} },
	TypeScheduleRemoved:             func() Event { return &ScheduleRemoved{} },
	TypeCancelSchedule:              func() Event { return &CancelSchedule{} },
	TypeSystemPause:                 func() Event { return &SystemPause{} },
	TypeSystemResume:                func() Event { return &SystemResume{} },
	TypeSystemCancel:                func() Event { return &SystemCancel{} },
	TypeContinueAsNew:               func() Event { return &ContinueAsNew{} },
	TypeDelayComplete:               func() Event { return &DelayComplete{} },
	TypeActionCancel:                func() Event { return &ActionCancel{} },
}

// IsSystemEventType reports whether eventType names a runtime-owned event.
func IsSystemEventType(eventType string) bool {
	_, ok := systemEventTypes[eventType]
	return ok
}

// EvolveSystem folds a system event into the runtime-managed state base and
// reports whether the event was a system event. Non-system events leave base
// untouched and return false.
func EvolveSystem(base *StateBase, evt Event) bool {
	switch e := evt.(type) {
	case *SubscriptionAdded:
		base.Subscriptions = append(base.Subscriptions, e.Sub)
	case *SubscriptionRemoved:
		base.Subscriptions = removeSub(base.Subscriptions, e.Sub)
	case *ExternalSubscriptionAdded:
		base.ExternalSubscriptions = append(base.ExternalSubscriptions, ExternalSub{Topic: e.Topic})
	case *ExternalSubscriptionRemoved:
		out := base.ExternalSubscriptions[:0]
		for _, s := range base.ExternalSubscriptions {
			if s.Topic != e.Topic {
				out = append(out, s)
			}
		}
		base.ExternalSubscriptions = out
	case *ScheduleAdded:
		base.Schedules = append(base.Schedules, e.Schedule)
	case *ScheduleRemoved:
		out := base.Schedules[:0]
		for _, s := range base.Schedules {
			if s.ScheduleID != e.ScheduleID {
				out = append(out, s)
			}
		}
		base.Schedules = out
	case *SystemPause:
		base.Lifecycle = LifecyclePaused
	case *SystemResume:
		base.Lifecycle = LifecycleActive
	case *SystemCancel:
		base.Lifecycle = LifecycleCancelled
	case *ContinueAsNew, *DelayComplete, *ActionCancel, *CancelSchedule:
		// No state to fold; their effects live in side tables.
	default:
		return false
	}
	return true
}

func removeSub(subs []Sub, victim Sub) []Sub {
	out := subs[:0]
	for _, s := range subs {
		if s.WorkflowID == victim.WorkflowID && s.EventType == victim.EventType {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Apply folds one event into state, dispatching system events to EvolveSystem
// and everything else to the definition's Evolve. A nil state is materialized
// through def.NewState when a system event needs somewhere to land.
func Apply(def Definition, state State, evt Event) State {
	if IsSystemEventType(evt.EventType()) {
		if state == nil {
			state = def.NewState()
		}
		EvolveSystem(state.Base(), evt)
		return state
	}
	return def.Evolve(state, evt)
}
