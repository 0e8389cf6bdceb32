package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/oxbowhq/oxbow/storage"
)

const fetchMaxWait = 2 * time.Second

// EventConsumer is a durable pull consumer over a workflow type's event
// stream. It satisfies the reader's BrokerSource contract; messages are
// acknowledged as they are handed over, since the reader's own offset row is
// the durable position of record.
type EventConsumer struct {
	consumer jetstream.Consumer
	logger   *slog.Logger
}

// NewEventConsumer creates or resumes the durable consumer named by the
// reader over the type's event stream.
func (b *Broker) NewEventConsumer(ctx context.Context, readerName, workflowType string) (*EventConsumer, error) {
	if err := b.EnsureEventStream(ctx, workflowType); err != nil {
		return nil, err
	}
	cons, err := b.js.CreateOrUpdateConsumer(ctx, EventStreamName(workflowType), jetstream.ConsumerConfig{
		Durable:       readerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: fmt.Sprintf("events.%s.>", workflowType),
	})
	if err != nil {
		return nil, fmt.Errorf("creating durable consumer %q: %w", readerName, err)
	}
	return &EventConsumer{
		consumer: cons,
		logger:   b.logger.With("consumer", readerName),
	}, nil
}

// Fetch pulls up to batch messages and converts them to log row views.
func (c *EventConsumer) Fetch(ctx context.Context, batch int) ([]storage.EventRecord, error) {
	msgs, err := c.consumer.Fetch(batch, jetstream.FetchMaxWait(fetchMaxWait))
	if err != nil {
		return nil, fmt.Errorf("fetching from consumer: %w", err)
	}
	var out []storage.EventRecord
	for msg := range msgs.Messages() {
		rec, err := recordFromMsg(msg)
		if err != nil {
			// A malformed message cannot be reprocessed; drop it and let
			// the polling fallback cover the gap.
			c.logger.Warn("dropping malformed broker message", "subject", msg.Subject(), "error", err)
			_ = msg.Ack()
			continue
		}
		if err := msg.Ack(); err != nil {
			c.logger.Warn("acking message", "subject", msg.Subject(), "error", err)
		}
		out = append(out, rec)
	}
	if err := msgs.Error(); err != nil {
		return out, fmt.Errorf("fetch batch: %w", err)
	}
	return out, nil
}

// Close implements BrokerSource; durable consumer state lives server-side,
// so there is nothing to release locally.
func (c *EventConsumer) Close() {}

// Message is one consumed external message.
type Message struct {
	Subject ParsedSubject
	Body    []byte
	ack     func() error
}

// Ack acknowledges the message.
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// MessageConsumer is the durable pull consumer for external message ingress.
type MessageConsumer struct {
	consumer jetstream.Consumer
	logger   *slog.Logger
}

// NewMessageConsumer creates or resumes the type's external message consumer
// ({workflow_type}_external_consumer).
func (b *Broker) NewMessageConsumer(ctx context.Context, workflowType string) (*MessageConsumer, error) {
	if err := b.EnsureMessageStream(ctx, workflowType); err != nil {
		return nil, err
	}
	name := ExternalConsumerName(workflowType)
	cons, err := b.js.CreateOrUpdateConsumer(ctx, MessageStreamName(workflowType), jetstream.ConsumerConfig{
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: fmt.Sprintf("messages.%s.>", workflowType),
	})
	if err != nil {
		return nil, fmt.Errorf("creating external consumer %q: %w", name, err)
	}
	return &MessageConsumer{
		consumer: cons,
		logger:   b.logger.With("consumer", name),
	}, nil
}

// Fetch pulls up to batch external messages. Messages with malformed
// subjects are acknowledged and dropped.
func (c *MessageConsumer) Fetch(ctx context.Context, batch int) ([]Message, error) {
	msgs, err := c.consumer.Fetch(batch, jetstream.FetchMaxWait(fetchMaxWait))
	if err != nil {
		return nil, fmt.Errorf("fetching external messages: %w", err)
	}
	var out []Message
	for msg := range msgs.Messages() {
		parsed, err := ParseMessageSubject(msg.Subject())
		if err != nil {
			c.logger.Warn("dropping message with malformed subject", "subject", msg.Subject(), "error", err)
			_ = msg.Ack()
			continue
		}
		out = append(out, Message{Subject: parsed, Body: msg.Data(), ack: msg.Ack})
	}
	if err := msgs.Error(); err != nil {
		return out, fmt.Errorf("fetch batch: %w", err)
	}
	return out, nil
}
