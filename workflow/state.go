package workflow

import "slices"

// Lifecycle is the derived life stage of a workflow instance.
type Lifecycle string

const (
	LifecycleActive    Lifecycle = "active"
	LifecyclePaused    Lifecycle = "paused"
	LifecycleCancelled Lifecycle = "cancelled"
	LifecycleCompleted Lifecycle = "completed"
)

// State is implemented by application state types by embedding StateBase.
//
// Evolve implementations that build a fresh value instead of mutating the
// received one must copy the embedded StateBase forward, or the lifecycle and
// subscription bookkeeping folded by the runtime is lost.
type State interface {
	Base() *StateBase
}

// StateBase carries the runtime-managed portion of every workflow state. It
// is folded from system events by EvolveSystem; application Evolve functions
// never touch it directly.
type StateBase struct {
	Lifecycle             Lifecycle     `json:"lifecycle,omitempty"`
	Subscriptions         []Sub         `json:"subscriptions,omitempty"`
	ExternalSubscriptions []ExternalSub `json:"external_subscriptions,omitempty"`
	Schedules             []Schedule    `json:"schedules,omitempty"`
}

// Base implements State, so StateBase can double as a bare state when a
// system event arrives before any user event.
func (b *StateBase) Base() *StateBase { return b }

// EffectiveLifecycle treats the zero value as active.
func (b *StateBase) EffectiveLifecycle() Lifecycle {
	if b == nil || b.Lifecycle == "" {
		return LifecycleActive
	}
	return b.Lifecycle
}

// Sub is a routing rule: deliver events from the named source instance (or
// any, with Wildcard) of the named event type (or any) to the subscriber.
// Tag filters narrow the match further; empty filters match everything.
type Sub struct {
	WorkflowID string   `json:"workflow_id"`
	EventType  string   `json:"event_type"`
	TagsAny    []string `json:"tags_any,omitempty"`
	TagsAll    []string `json:"tags_all,omitempty"`
}

// Wildcard matches any workflow id or event type in a Sub.
const Wildcard = "*"

// Matches reports whether an event from sourceID of type eventType carrying
// tags satisfies the rule. tags is the union of the event's own tags and the
// source instance's workflow tags.
func (s Sub) Matches(sourceID, eventType string, tags []string) bool {
	if s.WorkflowID != Wildcard && s.WorkflowID != sourceID {
		return false
	}
	if s.EventType != Wildcard && s.EventType != eventType {
		return false
	}
	return s.MatchesTags(tags)
}

// MatchesTags applies only the tag filters: at least one of TagsAny and all
// of TagsAll must be present.
func (s Sub) MatchesTags(tags []string) bool {
	if len(s.TagsAny) > 0 {
		any := false
		for _, t := range s.TagsAny {
			if slices.Contains(tags, t) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for _, t := range s.TagsAll {
		if !slices.Contains(tags, t) {
			return false
		}
	}
	return true
}

// UsesTags reports whether the rule filters on tags at all. Runners use this
// to skip metadata fetches when no cached subscription needs tags.
func (s Sub) UsesTags() bool {
	return len(s.TagsAny) > 0 || len(s.TagsAll) > 0
}

// ExternalSub routes broker messages published on a topic to the instance.
type ExternalSub struct {
	Topic string `json:"topic"`
}

// Schedule is a recurring cron continuation owned by an instance.
type Schedule struct {
	ScheduleID string     `json:"schedule_id"`
	Cron       string     `json:"cron"`
	Timezone   string     `json:"timezone,omitempty"`
	Command    RawCommand `json:"command"`
}
