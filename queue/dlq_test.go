// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/absmach/corinth/events"
	"github.com/absmach/corinth/queue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDeadLetter(t *testing.T, dir string, notifier events.Notifier) (*Manager, *Queue, *Queue) {
	t.Helper()
	ctx := context.Background()

	m, err := NewManager(Config{
		BaseDir:  dir,
		TimeUnit: testTimeUnit,
		Notifier: notifier,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop() })

	_, err = m.CreateQueue(ctx, types.DefaultQueueConfig("orders_dlq"))
	require.NoError(t, err)

	cfg := types.DefaultQueueConfig("orders")
	cfg.RequeueTime = 1
	cfg.DeadLetter = &types.DeadLetter{Name: "orders_dlq", Threshold: 2}
	_, err = m.CreateQueue(ctx, cfg)
	require.NoError(t, err)

	source, err := m.Queue("orders")
	require.NoError(t, err)
	target, err := m.Queue("orders_dlq")
	require.NoError(t, err)

	return m, source, target
}

// timeOut dequeues the head without acknowledging it and waits for the
// acknowledgement timeout to handle it.
func timeOut(t *testing.T, q *Queue) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Size() == 1 }, time.Second, 5*time.Millisecond)

	msg, err := q.Dequeue(false)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.Eventually(t, func() bool { return q.InFlightSize() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDeadLetter_ThresholdMoves(t *testing.T) {
	notifier := &recordingNotifier{}
	_, source, target := setupDeadLetter(t, t.TempDir(), notifier)

	enqueued, err := source.Enqueue(json.RawMessage(`{"order":1}`), nil)
	require.NoError(t, err)

	timeOut(t, source)
	timeOut(t, source)
	assert.Equal(t, 0, target.Size())

	timeOut(t, source)

	require.Eventually(t, func() bool { return target.Size() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, source.Size())
	assert.Equal(t, 0, source.InFlightSize())
	assert.Equal(t, uint64(2), source.NumRequeued())

	msg := target.Peek()
	require.NotNil(t, msg)
	assert.Equal(t, enqueued.ID, msg.ID)
	assert.Equal(t, types.StateFailed, msg.State)
	assert.Equal(t, uint16(2), msg.NumRequeues)
	assert.JSONEq(t, `{"order":1}`, string(msg.Item))
	assert.Equal(t, uint64(0), target.NumRequeued())

	assert.Contains(t, notifier.types(), events.TypeMessageDeadLettered)
	assert.Contains(t, notifier.types(), events.TypeMessageRequeued)
}

func TestDeadLetter_PersistedInTarget(t *testing.T) {
	dir := t.TempDir()
	m, source, _ := setupDeadLetter(t, dir, nil)

	_, err := source.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	for range 3 {
		timeOut(t, source)
	}

	target, err := m.Queue("orders_dlq")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return target.Size() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())

	m2 := newTestManager(t, dir)
	require.NoError(t, m2.Recover(context.Background()))

	recovered, err := m2.Queue("orders_dlq")
	require.NoError(t, err)
	require.Equal(t, 1, recovered.Size())
	assert.Equal(t, types.StateFailed, recovered.Peek().State)

	src, err := m2.Queue("orders")
	require.NoError(t, err)
	assert.Equal(t, 0, src.Size())
	require.NotNil(t, src.DeadLetter())
	assert.Equal(t, "orders_dlq", src.DeadLetter().Name)
}

func TestDeadLetter_MissingTargetDrops(t *testing.T) {
	notifier := &recordingNotifier{}
	m, err := NewManager(Config{BaseDir: t.TempDir(), Notifier: notifier})
	require.NoError(t, err)
	defer m.Stop()

	m.transplant("orders", "gone", &types.Message{ID: "m1", State: types.StateFailed})

	assert.Equal(t, []string{events.TypeMessageDropped}, notifier.types())
	dropped := notifier.events[0].(events.MessageDropped)
	assert.Equal(t, "m1", dropped.MessageID)
	assert.Equal(t, "gone", dropped.Target)
}

func TestDeadLetter_WithoutTargetRequeuesForever(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	cfg := memoryConfig("orders")
	cfg.RequeueTime = 1
	q := newTestQueue(t, m, cfg)

	_, err := q.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	for range 4 {
		timeOut(t, q)
	}

	require.Eventually(t, func() bool { return q.Size() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint16(4), q.Peek().NumRequeues)
	assert.Equal(t, types.StateRequeued, q.Peek().State)
}
