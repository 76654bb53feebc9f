// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (r *recorder) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) Close() error {
	r.closed = true
	return r.err
}

func TestEvent_Wrap(t *testing.T) {
	ev := MessageDeadLettered{
		QueueName:   "orders",
		MessageID:   "m1",
		Target:      "orders_dlq",
		NumRequeues: 3,
	}

	env := ev.Wrap("corinth-1")
	assert.Equal(t, TypeMessageDeadLettered, env.EventType)
	assert.Equal(t, "corinth-1", env.ServerID)
	assert.NotEmpty(t, env.EventID)

	_, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "message.dead_lettered", decoded["event_type"])
	payload := decoded["data"].(map[string]any)
	assert.Equal(t, "orders", payload["queue"])
	assert.Equal(t, "orders_dlq", payload["target"])
}

func TestEvent_Types(t *testing.T) {
	tests := []struct {
		event Event
		typ   string
	}{
		{QueueCreated{QueueName: "q"}, TypeQueueCreated},
		{QueueDeleted{QueueName: "q"}, TypeQueueDeleted},
		{QueuePurged{QueueName: "q"}, TypeQueuePurged},
		{QueueCompacted{QueueName: "q"}, TypeQueueCompacted},
		{MessageRequeued{QueueName: "q"}, TypeMessageRequeued},
		{MessageDeadLettered{QueueName: "q"}, TypeMessageDeadLettered},
		{MessageDropped{QueueName: "q"}, TypeMessageDropped},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			assert.Equal(t, tt.typ, tt.event.Type())
			assert.Equal(t, "q", tt.event.Queue())
		})
	}
}

func TestFanout(t *testing.T) {
	a := &recorder{}
	b := &recorder{err: errors.New("unreachable")}

	n := Fanout(a, nil, b)
	err := n.Notify(context.Background(), QueueDeleted{QueueName: "q"})
	assert.Error(t, err)
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)

	assert.Error(t, n.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
