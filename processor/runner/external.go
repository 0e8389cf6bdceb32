package runner

import (
	"context"
	"fmt"

	"github.com/oxbowhq/oxbow/broker"
	"github.com/oxbowhq/oxbow/stream"
	"github.com/oxbowhq/oxbow/workflow"
)

// MessageSource pulls external messages from the broker. Satisfied by
// *broker.MessageConsumer.
type MessageSource interface {
	Fetch(ctx context.Context, batch int) ([]broker.Message, error)
}

// PayloadParser turns an external message body into a command. Returning
// (nil, nil) drops the message.
type PayloadParser func(subject broker.ParsedSubject, body []byte) (workflow.Command, error)

// WithMessageIngress attaches the external message consumer. The runner
// resolves each message's routing mode to target instances in its partition
// and dispatches the parsed command to each.
func WithMessageIngress(src MessageSource, parser PayloadParser) Option {
	return func(r *Runner) {
		r.msgSource = src
		r.msgParser = parser
	}
}

func (r *Runner) externalLoop(ctx context.Context) {
	defer r.wg.Done()
	sleeper := stream.NewSleeper(r.streamCfg.MinSleep, r.streamCfg.MaxSleep)
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := r.msgSource.Fetch(ctx, r.streamCfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("fetching external messages", "error", err)
			if err := sleeper.Sleep(ctx); err != nil {
				return
			}
			continue
		}
		if len(msgs) == 0 {
			if err := sleeper.Sleep(ctx); err != nil {
				return
			}
			continue
		}
		sleeper.Reset()
		for i := range msgs {
			if err := r.handleExternal(ctx, &msgs[i]); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Left unacked; the broker redelivers it.
				r.logger.Error("handling external message",
					"subject", msgs[i].Subject, "error", err)
			}
		}
	}
}

// handleExternal parses, resolves, and dispatches one message, then acks it.
// Unparseable messages are acked and dropped.
func (r *Runner) handleExternal(ctx context.Context, msg *broker.Message) error {
	cmd, err := r.msgParser(msg.Subject, msg.Body)
	if err != nil {
		r.logger.Warn("dropping unparseable external message",
			"subject", msg.Subject, "error", err)
		return msg.Ack()
	}
	if cmd == nil {
		return msg.Ack()
	}

	targets, err := r.resolveTargets(ctx, msg.Subject)
	if err != nil {
		return err
	}
	for _, target := range targets {
		if !r.rule(target) {
			continue
		}
		if err := r.dispatch(ctx, target, cmd); err != nil {
			return err
		}
	}
	return msg.Ack()
}

// resolveTargets maps a routing mode to concrete workflow ids.
func (r *Runner) resolveTargets(ctx context.Context, subject broker.ParsedSubject) ([]string, error) {
	workflowType := r.engine.Definition().Name()
	switch subject.Routing {
	case broker.RouteID:
		return []string{subject.Detail}, nil
	case broker.RouteAll:
		ids, err := r.store.ListInstanceIDs(ctx, workflowType)
		if err != nil {
			return nil, fmt.Errorf("listing instances for broadcast: %w", err)
		}
		return ids, nil
	case broker.RouteTag:
		ids, err := r.store.ListInstanceIDsByTag(ctx, workflowType, subject.Detail)
		if err != nil {
			return nil, fmt.Errorf("listing instances by tag %q: %w", subject.Detail, err)
		}
		return ids, nil
	case broker.RouteTopic:
		ids, err := r.store.TopicSubscribers(ctx, subject.Detail)
		if err != nil {
			return nil, fmt.Errorf("listing topic subscribers for %q: %w", subject.Detail, err)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("unknown routing mode %q", subject.Routing)
	}
}
