// Package broker wraps NATS JetStream for the runtime: outbox publishing
// with deduplication ids, durable pull consumers for readers, and the
// external message subject grammar.
package broker

import (
	"fmt"
	"strings"
)

// Routing modes for external message subjects.
const (
	RouteAll   = "all"
	RouteTag   = "tag"
	RouteID    = "id"
	RouteTopic = "topic"
)

// EventSubject is where the outbox publishes a log row:
// events.{workflow_type}.{event_type}.
func EventSubject(workflowType, eventType string) string {
	return fmt.Sprintf("events.%s.%s", workflowType, eventType)
}

// MessageSubject addresses external messages at workflow instances:
// messages.{workflow_type}.{routing}.{detail}, where detail is a tag value,
// a workflow id, or a dotted topic depending on the routing mode.
func MessageSubject(workflowType, routing, detail string) string {
	return fmt.Sprintf("messages.%s.%s.%s", workflowType, routing, detail)
}

// ParsedSubject is a decomposed external message subject.
type ParsedSubject struct {
	WorkflowType string
	Routing      string
	// Detail is the tag value, workflow id, or topic. For RouteAll it is
	// empty. Topics keep their dots.
	Detail string
}

// ParseMessageSubject decomposes an external message subject.
func ParseMessageSubject(subject string) (ParsedSubject, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "messages" {
		return ParsedSubject{}, fmt.Errorf("malformed message subject %q", subject)
	}
	p := ParsedSubject{WorkflowType: parts[1], Routing: parts[2]}
	detail := strings.Join(parts[3:], ".")
	switch p.Routing {
	case RouteAll:
		// No detail expected.
	case RouteTag, RouteID, RouteTopic:
		if detail == "" {
			return ParsedSubject{}, fmt.Errorf("message subject %q is missing its %s detail", subject, p.Routing)
		}
		p.Detail = detail
	default:
		return ParsedSubject{}, fmt.Errorf("unknown routing mode %q in subject %q", p.Routing, subject)
	}
	return p, nil
}

// EventStreamName is the JetStream stream holding a workflow type's events.
func EventStreamName(workflowType string) string {
	return "events_" + workflowType
}

// MessageStreamName is the JetStream stream holding a workflow type's
// external messages.
func MessageStreamName(workflowType string) string {
	return "messages_" + workflowType
}

// ExternalConsumerName is the durable consumer for external message ingress.
func ExternalConsumerName(workflowType string) string {
	return workflowType + "_external_consumer"
}
