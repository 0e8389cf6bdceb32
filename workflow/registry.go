package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Registry maps event and command type names to factories, so bodies pulled
// from storage or the broker can be decoded back into typed values. System
// events are pre-registered. Registration typically happens in init or during
// wiring, before any decoding runs.
type Registry struct {
	mu       sync.RWMutex
	events   map[string]func() Event
	commands map[string]func() Command
}

// NewRegistry returns a registry with the system events pre-registered.
func NewRegistry() *Registry {
	r := &Registry{
		events:   make(map[string]func() Event, len(systemEventTypes)+16),
		commands: make(map[string]func() Command, 16),
	}
	for name, fn := range systemEventTypes {
		r.events[name] = fn
	}
	return r
}

// RegisterEvent binds an event type name to its factory. The factory must
// return a pointer so json.Unmarshal can populate it.
func (r *Registry) RegisterEvent(name string, fn func() Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[name] = fn
}

// RegisterCommand binds a command type name to its factory.
func (r *Registry) RegisterCommand(name string, fn func() Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = fn
}

// DecodeEvent parses raw into the registered type for eventType.
func (r *Registry) DecodeEvent(eventType string, raw []byte) (Event, error) {
	r.mu.RLock()
	fn, ok := r.events[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("event type %q not registered", eventType)
	}
	evt := fn()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, evt); err != nil {
			return nil, fmt.Errorf("decoding event %q: %w", eventType, err)
		}
	}
	return evt, nil
}

// DecodeCommand parses raw into the registered type for cmdType.
func (r *Registry) DecodeCommand(cmdType string, raw []byte) (Command, error) {
	r.mu.RLock()
	fn, ok := r.commands[cmdType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("command type %q not registered", cmdType)
	}
	cmd := fn()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cmd); err != nil {
			return nil, fmt.Errorf("decoding command %q: %w", cmdType, err)
		}
	}
	return cmd, nil
}

// EncodeEvent serializes an event body.
func (r *Registry) EncodeEvent(evt Event) ([]byte, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encoding event %q: %w", evt.EventType(), err)
	}
	return raw, nil
}

// EventDecoder returns a decode function bound to eventType, running the
// definition's upcast hook first when the stored schema version is behind.
// Used by envelopes for lazy body materialization.
func (r *Registry) EventDecoder(def Definition, eventType string, schemaVersion int) func([]byte) (Event, error) {
	return func(raw []byte) (Event, error) {
		if up, ok := def.(Upcaster); ok && schemaVersion != 0 && schemaVersion != up.SchemaVersion() {
			migrated, err := up.Upcast(eventType, schemaVersion, raw)
			if err != nil {
				return nil, fmt.Errorf("upcasting %q from schema %d: %w", eventType, schemaVersion, err)
			}
			raw = migrated
		}
		return r.DecodeEvent(eventType, raw)
	}
}
