// Package workflowtest provides a small counter workflow used across the
// runtime's test suites.
package workflowtest

import (
	"time"

	"github.com/oxbowhq/oxbow/workflow"
)

// Commands.

type CmdStart struct {
	Value int `json:"value"`
}

func (CmdStart) CommandType() string { return "cmd_start" }

type CmdIncrement struct {
	By int `json:"by"`
}

func (CmdIncrement) CommandType() string { return "cmd_increment" }

type CmdFinish struct{}

func (CmdFinish) CommandType() string { return "cmd_finish" }

// CmdSubscribe declares a subscription to another instance's events.
type CmdSubscribe struct {
	Sub workflow.Sub `json:"sub"`
}

func (CmdSubscribe) CommandType() string { return "cmd_subscribe" }

// CmdSleep requests a one-shot delay that increments on completion.
type CmdSleep struct {
	DelayID string        `json:"delay_id"`
	For     time.Duration `json:"for"`
	Then    int           `json:"then"`
}

func (CmdSleep) CommandType() string { return "cmd_sleep" }

// Events.

type EvStarted struct {
	Value int      `json:"value"`
	Tags  []string `json:"tags,omitempty"`
}

func (EvStarted) EventType() string     { return "ev_started" }
func (e EvStarted) EventTags() []string { return e.Tags }

type EvIncremented struct {
	By int `json:"by"`
}

func (EvIncremented) EventType() string { return "ev_incremented" }

type EvFinished struct{}

func (EvFinished) EventType() string { return "ev_finished" }

// EvSlept carries a delay request.
type EvSlept struct {
	ID    string        `json:"id"`
	For   time.Duration `json:"for"`
	Then  int           `json:"then"`
	Start time.Time     `json:"start"`
}

func (EvSlept) EventType() string { return "ev_slept" }

func (e EvSlept) DelayID() string       { return e.ID }
func (e EvSlept) DelayUntil() time.Time { return e.Start.Add(e.For) }
func (e EvSlept) NextCommand() workflow.Command {
	return &CmdIncrement{By: e.Then}
}
func (EvSlept) CronExpression() string { return "" }
func (EvSlept) CronTimezone() string   { return "" }

// State.

type CounterState struct {
	workflow.StateBase
	Counter int `json:"counter"`
	// Seen records each increment in apply order, for ordering assertions.
	Seen []int `json:"seen,omitempty"`
}

func (s *CounterState) Base() *workflow.StateBase { return &s.StateBase }

// Counter is the workflow definition.
type Counter struct{}

func (Counter) Name() string { return "counter" }

func (Counter) NewState() workflow.State { return &CounterState{} }

func (Counter) Decide(state workflow.State, cmd workflow.Command) ([]workflow.Event, error) {
	switch c := cmd.(type) {
	case *CmdStart:
		if state != nil {
			return nil, workflow.Reject("already started")
		}
		return []workflow.Event{&EvStarted{Value: c.Value, Tags: nil}}, nil
	case *CmdIncrement:
		if state == nil {
			return nil, workflow.Reject("not started")
		}
		if c.By == 0 {
			return nil, nil
		}
		return []workflow.Event{&EvIncremented{By: c.By}}, nil
	case *CmdFinish:
		if state == nil {
			return nil, workflow.Reject("not started")
		}
		return []workflow.Event{&EvFinished{}}, nil
	case *CmdSubscribe:
		return []workflow.Event{&workflow.SubscriptionAdded{Sub: c.Sub}}, nil
	case *CmdSleep:
		if state == nil {
			return nil, workflow.Reject("not started")
		}
		return []workflow.Event{&EvSlept{ID: c.DelayID, For: c.For, Then: c.Then, Start: time.Now().UTC()}}, nil
	default:
		return nil, workflow.Reject("unknown command %q", cmd.CommandType())
	}
}

func (Counter) Evolve(state workflow.State, evt workflow.Event) workflow.State {
	s, _ := state.(*CounterState)
	if s == nil {
		s = &CounterState{}
	}
	switch e := evt.(type) {
	case *EvStarted:
		s.Counter = e.Value
	case *EvIncremented:
		s.Counter += e.By
		s.Seen = append(s.Seen, e.By)
	}
	return s
}

func (Counter) EventToCommand(evt workflow.Event) workflow.Command {
	switch e := evt.(type) {
	case *EvStarted:
		return &CmdIncrement{By: e.Value}
	case *EvIncremented:
		return &CmdIncrement{By: e.By}
	case *workflow.DelayComplete:
		return &CmdIncrement{By: 1}
	default:
		return nil
	}
}

func (Counter) IsFinalEvent(evt workflow.Event) bool {
	_, ok := evt.(*EvFinished)
	return ok
}

// Registry returns a registry with the counter's events and commands bound.
func Registry() *workflow.Registry {
	r := workflow.NewRegistry()
	r.RegisterEvent("ev_started", func() workflow.Event { return &EvStarted{} })
	r.RegisterEvent("ev_incremented", func() workflow.Event { return &EvIncremented{} })
	r.RegisterEvent("ev_finished", func() workflow.Event { return &EvFinished{} })
	r.RegisterEvent("ev_slept", func() workflow.Event { return &EvSlept{} })
	r.RegisterCommand("cmd_start", func() workflow.Command { return &CmdStart{} })
	r.RegisterCommand("cmd_increment", func() workflow.Command { return &CmdIncrement{} })
	r.RegisterCommand("cmd_finish", func() workflow.Command { return &CmdFinish{} })
	r.RegisterCommand("cmd_subscribe", func() workflow.Command { return &CmdSubscribe{} })
	r.RegisterCommand("cmd_sleep", func() workflow.Command { return &CmdSleep{} })
	return r
}
