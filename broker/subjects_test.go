package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "events.order.ev_shipped", EventSubject("order", "ev_shipped"))
}

func TestMessageSubjectRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    ParsedSubject
		wantErr bool
	}{
		{
			name:    "broadcast",
			subject: "messages.order.all",
			want:    ParsedSubject{WorkflowType: "order", Routing: RouteAll},
		},
		{
			name:    "by id",
			subject: MessageSubject("order", RouteID, "order-42"),
			want:    ParsedSubject{WorkflowType: "order", Routing: RouteID, Detail: "order-42"},
		},
		{
			name:    "by tag",
			subject: MessageSubject("order", RouteTag, "priority"),
			want:    ParsedSubject{WorkflowType: "order", Routing: RouteTag, Detail: "priority"},
		},
		{
			name:    "dotted topic keeps its dots",
			subject: MessageSubject("order", RouteTopic, "payments.settled.v2"),
			want:    ParsedSubject{WorkflowType: "order", Routing: RouteTopic, Detail: "payments.settled.v2"},
		},
		{
			name:    "missing id detail",
			subject: "messages.order.id",
			wantErr: true,
		},
		{
			name:    "unknown routing mode",
			subject: "messages.order.broadcast.x",
			wantErr: true,
		},
		{
			name:    "wrong prefix",
			subject: "events.order.ev_shipped",
			wantErr: true,
		},
		{
			name:    "too short",
			subject: "messages.order",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessageSubject(tt.subject)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStreamAndConsumerNames(t *testing.T) {
	assert.Equal(t, "events_order", EventStreamName("order"))
	assert.Equal(t, "messages_order", MessageStreamName("order"))
	assert.Equal(t, "order_external_consumer", ExternalConsumerName("order"))
}
