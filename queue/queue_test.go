// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/corinth/events"
	"github.com/absmach/corinth/queue/storage"
	logstore "github.com/absmach/corinth/queue/storage/log"
	"github.com/absmach/corinth/queue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeUnit = 10 * time.Millisecond

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type())
	}
	return out
}

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		BaseDir:  dir,
		TimeUnit: testTimeUnit,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop() })
	return m
}

func newTestQueue(t *testing.T, m *Manager, cfg types.QueueConfig) *Queue {
	t.Helper()
	_, err := m.CreateQueue(context.Background(), cfg)
	require.NoError(t, err)
	q, err := m.Queue(cfg.Name)
	require.NoError(t, err)
	return q
}

func memoryConfig(name string) types.QueueConfig {
	cfg := types.DefaultQueueConfig(name)
	cfg.Persistent = false
	return cfg
}

// failingLog fails every Append once failAppend is set.
type failingLog struct {
	storage.Log
	failAppend bool
}

var errAppend = errors.New("disk full")

func (f *failingLog) Append(msg *types.Message) error {
	if f.failAppend {
		return errAppend
	}
	return f.Log.Append(msg)
}

func strPtr(s string) *string { return &s }

func itemsFileLines(t *testing.T, m *Manager, name string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(m.queuesDir, name, logstore.ItemsFile))
	require.NoError(t, err)
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func TestQueue_EndToEnd(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	cfg := types.DefaultQueueConfig("orders")
	cfg.RequeueTime = 300
	cfg.DeduplicationTime = 300
	q := newTestQueue(t, m, cfg)

	first, err := q.Enqueue(json.RawMessage(`{"a":1}`), strPtr("x"))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, types.StatePending, first.State)
	assert.Equal(t, uint16(0), first.NumRequeues)

	second, err := q.Enqueue(json.RawMessage(`{"a":1}`), strPtr("x"))
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, uint64(1), q.NumDeduplicated())
	assert.Equal(t, 1, q.Size())

	msg, err := q.Dequeue(true)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, first.ID, msg.ID)
	assert.JSONEq(t, `{"a":1}`, string(msg.Item))
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, uint64(1), q.NumAcknowledged())
	assert.Equal(t, 0, q.InFlightSize())
}

func TestQueue_EnqueueWithoutDedupID(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	q := newTestQueue(t, m, memoryConfig("orders"))

	a, err := q.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	b, err := q.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Less(t, a.ID, b.ID)
	assert.Equal(t, 2, q.Size())
	assert.Equal(t, 0, q.DedupSize())
}

func TestQueue_DedupExpiry(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	cfg := memoryConfig("orders")
	cfg.DeduplicationTime = 2
	q := newTestQueue(t, m, cfg)

	msg, err := q.Enqueue(json.RawMessage(`{}`), strPtr("x"))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 1, q.DedupSize())

	require.Eventually(t, func() bool { return q.DedupSize() == 0 }, time.Second, 5*time.Millisecond)

	msg, err = q.Enqueue(json.RawMessage(`{}`), strPtr("x"))
	require.NoError(t, err)
	assert.NotNil(t, msg)
	assert.Equal(t, uint64(0), q.NumDeduplicated())
}

func TestQueue_DedupWithoutExpiry(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	cfg := memoryConfig("orders")
	cfg.DeduplicationTime = 0
	q := newTestQueue(t, m, cfg)

	_, err := q.Enqueue(json.RawMessage(`{}`), strPtr("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, m.scheduler.Len())

	time.Sleep(5 * testTimeUnit)
	msg, err := q.Enqueue(json.RawMessage(`{}`), strPtr("x"))
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, 1, q.DedupSize())
}

func TestQueue_Requeue(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	cfg := types.DefaultQueueConfig("orders")
	cfg.RequeueTime = 1
	q := newTestQueue(t, m, cfg)

	enqueued, err := q.Enqueue(json.RawMessage(`{"a":1}`), nil)
	require.NoError(t, err)

	msg, err := q.Dequeue(false)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 1, q.InFlightSize())

	require.Eventually(t, func() bool { return q.Size() == 1 }, time.Second, 5*time.Millisecond)

	head := q.Peek()
	require.NotNil(t, head)
	assert.Equal(t, enqueued.ID, head.ID)
	assert.Equal(t, types.StateRequeued, head.State)
	assert.Equal(t, uint16(1), head.NumRequeues)
	assert.Equal(t, 0, q.InFlightSize())
	assert.Equal(t, uint64(1), q.NumRequeued())

	assert.Equal(t, types.StatePending, msg.State)
	assert.Equal(t, uint16(0), msg.NumRequeues)

	lines := itemsFileLines(t, m, "orders")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], `"state":"Requeued"`)
}

func TestQueue_AutoAckIsNeverRequeued(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	cfg := memoryConfig("orders")
	cfg.RequeueTime = 1
	q := newTestQueue(t, m, cfg)

	_, err := q.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	_, err = q.Dequeue(true)
	require.NoError(t, err)
	assert.Equal(t, 0, q.InFlightSize())

	time.Sleep(5 * testTimeUnit)
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, uint64(0), q.NumRequeued())
}

func TestQueue_AckCancelsRequeue(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	cfg := memoryConfig("orders")
	cfg.RequeueTime = 3
	q := newTestQueue(t, m, cfg)

	_, err := q.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	msg, err := q.Dequeue(false)
	require.NoError(t, err)

	ok, err := q.Ack(msg.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), q.NumAcknowledged())

	ok, err = q.Ack(msg.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(6 * testTimeUnit)
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, uint64(0), q.NumRequeued())
}

func TestQueue_NoRequeueTime(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	cfg := memoryConfig("orders")
	cfg.RequeueTime = 0
	q := newTestQueue(t, m, cfg)

	_, err := q.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	msg, err := q.Dequeue(false)
	require.NoError(t, err)
	assert.Equal(t, 1, q.InFlightSize())
	assert.Equal(t, 0, m.scheduler.Len())

	ok, err := q.Ack(msg.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueue_CanFit(t *testing.T) {
	tests := []struct {
		name      string
		maxLength uint64
		size      int
		n         int
		want      bool
	}{
		{name: "unbounded", maxLength: 0, size: 10, n: 1000, want: true},
		{name: "fits", maxLength: 5, size: 3, n: 2, want: true},
		{name: "too many", maxLength: 5, size: 3, n: 3, want: false},
		{name: "already full", maxLength: 2, size: 2, n: 1, want: false},
		{name: "empty batch on full queue", maxLength: 2, size: 2, n: 0, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, t.TempDir())
			q := newTestQueue(t, m, memoryConfig("orders"))

			for range tt.size {
				_, err := q.Enqueue(json.RawMessage(`{}`), nil)
				require.NoError(t, err)
			}
			require.NoError(t, q.SetMaxLength(tt.maxLength))

			assert.Equal(t, tt.want, q.CanFit(tt.n))
		})
	}
}

func TestQueue_EnqueueBatch(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	cfg := memoryConfig("orders")
	cfg.MaxLength = 3
	q := newTestQueue(t, m, cfg)

	items := []types.NewMessage{
		{Item: json.RawMessage(`{"n":1}`), DeduplicationID: strPtr("a")},
		{Item: json.RawMessage(`{"n":2}`), DeduplicationID: strPtr("a")},
		{Item: json.RawMessage(`{"n":3}`)},
	}

	res, err := q.EnqueueBatch(items)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NumEnqueued)
	assert.Equal(t, 1, res.NumDeduplicated)
	require.Len(t, res.Items, 2)
	assert.JSONEq(t, `{"n":3}`, string(res.Items[1].Item))

	_, err = q.EnqueueBatch(items[:2])
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Size())
}

func TestQueue_DequeueBatch(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	q := newTestQueue(t, m, memoryConfig("orders"))

	var ids []string
	for range 3 {
		msg, err := q.Enqueue(json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	msgs, err := q.DequeueBatch(2, true)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[0], msgs[0].ID)
	assert.Equal(t, ids[1], msgs[1].ID)

	msgs, err = q.DequeueBatch(5, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ids[2], msgs[0].ID)

	msgs, err = q.DequeueBatch(5, true)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, uint64(3), q.NumAcknowledged())
}

func TestQueue_Peek(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	q := newTestQueue(t, m, types.DefaultQueueConfig("orders"))

	assert.Nil(t, q.Peek())

	msg, err := q.Enqueue(json.RawMessage(`{"a":1}`), nil)
	require.NoError(t, err)
	linesBefore := itemsFileLines(t, m, "orders")

	head := q.Peek()
	require.NotNil(t, head)
	assert.Equal(t, msg.ID, head.ID)
	assert.Equal(t, 1, q.Size())
	assert.Equal(t, linesBefore, itemsFileLines(t, m, "orders"))
}

func TestQueue_Dequeue_WritesTombstone(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	q := newTestQueue(t, m, types.DefaultQueueConfig("orders"))

	msg, err := q.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	empty, err := q.Dequeue(true)
	require.NoError(t, err)
	require.NotNil(t, empty)

	lines := itemsFileLines(t, m, "orders")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"$corinth_deleted":"`+msg.ID+`"}`, lines[1])

	none, err := q.Dequeue(true)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestQueue_Purge(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	cfg := types.DefaultQueueConfig("orders")
	q := newTestQueue(t, m, cfg)

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(json.RawMessage(`{}`), strPtr(id))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(json.RawMessage(`{}`), strPtr("a"))
	require.NoError(t, err)
	_, err = q.Dequeue(true)
	require.NoError(t, err)
	_, err = q.Dequeue(false)
	require.NoError(t, err)

	dropped, err := q.Purge(false)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	info := q.Info()
	assert.Equal(t, 0, info.Size)
	assert.Equal(t, 0, info.NumUnacknowledged)
	assert.Equal(t, 0, info.NumDeduplicating)
	assert.Equal(t, uint64(0), info.NumAcknowledged)
	assert.Equal(t, uint64(0), info.NumDeduplicated)
	assert.Equal(t, uint64(0), info.NumRequeued)
	assert.Equal(t, cfg.RequeueTime, info.RequeueTime)

	dir := filepath.Join(m.queuesDir, "orders")
	_, err = os.Stat(filepath.Join(dir, logstore.ItemsFile))
	assert.True(t, os.IsNotExist(err))
	assert.True(t, logstore.HasMeta(dir))

	_, err = q.Enqueue(json.RawMessage(`{}`), strPtr("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, q.Size())
}

func TestQueue_Compact(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	q := newTestQueue(t, m, types.DefaultQueueConfig("orders"))

	for range 3 {
		_, err := q.Enqueue(json.RawMessage(`{}`), nil)
		require.NoError(t, err)
	}
	_, err := q.Dequeue(true)
	require.NoError(t, err)
	require.Len(t, itemsFileLines(t, m, "orders"), 4)

	require.NoError(t, q.Compact())
	first := itemsFileLines(t, m, "orders")
	assert.Len(t, first, 2)
	assert.NotZero(t, q.LastCompactedAt())

	require.NoError(t, q.Compact())
	assert.Equal(t, first, itemsFileLines(t, m, "orders"))
	assert.Equal(t, 2, q.Size())
}

func TestQueue_CompactWithoutRecords(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	q := newTestQueue(t, m, types.DefaultQueueConfig("orders"))

	require.NoError(t, q.Compact())
	assert.NotZero(t, q.LastCompactedAt())

	_, err := os.Stat(filepath.Join(m.queuesDir, "orders", logstore.ItemsFile))
	assert.True(t, os.IsNotExist(err))
}

func TestQueue_CompactInMemory(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	q := newTestQueue(t, m, memoryConfig("orders"))

	assert.ErrorIs(t, q.Compact(), ErrNotPersistent)
	assert.False(t, q.Persistent())
	assert.Equal(t, int64(0), q.DiskSize())
}

func TestQueue_Update(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	q := newTestQueue(t, m, types.DefaultQueueConfig("orders"))

	rt, dt, ml := uint32(10), uint32(20), uint64(30)
	require.NoError(t, q.Update(types.QueueUpdate{RequeueTime: &rt, MaxLength: &ml}))
	require.NoError(t, q.SetDeduplicationTime(dt))

	assert.Equal(t, rt, q.RequeueTime())
	assert.Equal(t, dt, q.DeduplicationTime())
	assert.Equal(t, ml, q.MaxLength())

	require.NoError(t, m.Stop())

	m2 := newTestManager(t, dir)
	require.NoError(t, m2.Recover(context.Background()))
	q2, err := m2.Queue("orders")
	require.NoError(t, err)
	assert.Equal(t, rt, q2.RequeueTime())
	assert.Equal(t, dt, q2.DeduplicationTime())
	assert.Equal(t, ml, q2.MaxLength())
}

func TestQueue_Info(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	_, err := m.CreateQueue(context.Background(), memoryConfig("orders_dlq"))
	require.NoError(t, err)

	cfg := types.DefaultQueueConfig("orders")
	cfg.MaxLength = 10
	cfg.DeadLetter = &types.DeadLetter{Name: "orders_dlq", Threshold: 3}
	q := newTestQueue(t, m, cfg)

	_, err = q.Enqueue(json.RawMessage(`{"a":1}`), strPtr("x"))
	require.NoError(t, err)
	_, err = q.Enqueue(json.RawMessage(`{"a":2}`), nil)
	require.NoError(t, err)
	_, err = q.Dequeue(false)
	require.NoError(t, err)

	info := q.Info()
	assert.Equal(t, "orders", info.Name)
	assert.Equal(t, 1, info.Size)
	assert.Equal(t, 1, info.NumDeduplicating)
	assert.Equal(t, 1, info.NumUnacknowledged)
	assert.Equal(t, uint64(10), info.MaxLength)
	assert.True(t, info.Persistent)
	assert.Positive(t, info.MemorySize)
	assert.Positive(t, info.DiskSize)
	assert.NotZero(t, info.CreatedAt)
	require.NotNil(t, info.DeadLetter)
	assert.Equal(t, "orders_dlq", info.DeadLetter.Name)
	assert.Equal(t, uint16(3), info.DeadLetter.Threshold)
}

func TestQueue_MemorySizeGrows(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	q := newTestQueue(t, m, memoryConfig("orders"))

	empty := q.MemorySize()
	_, err := q.Enqueue(json.RawMessage(`{"payload":"0123456789"}`), strPtr("x"))
	require.NoError(t, err)

	assert.Greater(t, q.MemorySize(), empty)
}

func TestQueue_RequeueAppendFailureDropsMessage(t *testing.T) {
	notifier := &recordingNotifier{}
	m, err := NewManager(Config{
		BaseDir:  t.TempDir(),
		TimeUnit: testTimeUnit,
		Notifier: notifier,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop() })

	cfg := types.DefaultQueueConfig("orders")
	cfg.RequeueTime = 1
	q := newTestQueue(t, m, cfg)

	_, err = q.Enqueue(json.RawMessage(`{"a":1}`), nil)
	require.NoError(t, err)

	q.mu.Lock()
	store := q.log
	q.log = &failingLog{Log: store, failAppend: true}
	q.mu.Unlock()

	msg, err := q.Dequeue(false)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.Eventually(t, func() bool {
		return len(notifier.types()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, q.InFlightSize())
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, uint64(0), q.NumRequeued())
	assert.Equal(t, []string{events.TypeQueueCreated, events.TypeMessageDropped}, notifier.types())

	next, err := q.Dequeue(true)
	require.NoError(t, err)
	assert.Nil(t, next)

	items, err := store.Replay()
	require.NoError(t, err)
	assert.Empty(t, items)
}
