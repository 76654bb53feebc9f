// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
	"unsafe"

	"github.com/absmach/corinth/events"
	"github.com/absmach/corinth/queue/storage"
	"github.com/absmach/corinth/queue/types"
	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned when a batch does not fit under max_length.
	ErrQueueFull = errors.New("queue is full")
	// ErrNotPersistent is returned when compacting an in-memory queue.
	ErrNotPersistent = errors.New("queue is not persistent")
	// ErrDeadLetterNotFound is returned when a dead letter target does not exist.
	ErrDeadLetterNotFound = errors.New("dead letter target not found")
	// ErrDeadLetterTarget is returned when deleting a queue used as a dead letter target.
	ErrDeadLetterTarget = errors.New("queue is a dead letter target")
)

// env holds what a queue shares with its manager.
type env struct {
	scheduler       *Scheduler
	timeUnit        time.Duration
	compactInterval time.Duration
	logger          *slog.Logger
	now             func() time.Time

	// deadLetter receives a failed message after the source lock is released.
	deadLetter func(source string, target string, msg *types.Message)
	notify     func(ev events.Event)
}

// Queue is a single FIFO queue with deduplication, acknowledgement tracking
// and an optional record log. Messages are immutable once queued; state
// changes produce copies.
type Queue struct {
	name string
	env  *env
	log  storage.Log // nil for in-memory queues

	mu       sync.Mutex
	pending  []*types.Message
	dedup    map[string]struct{}
	inFlight map[string]*types.Message
	meta     types.Meta
	closed   bool
}

func newQueue(cfg types.QueueConfig, log storage.Log, e *env) (*Queue, error) {
	q := &Queue{
		name:     cfg.Name,
		env:      e,
		log:      log,
		dedup:    make(map[string]struct{}),
		inFlight: make(map[string]*types.Message),
		meta: types.Meta{
			CreatedAt:         e.now().Unix(),
			RequeueTime:       cfg.RequeueTime,
			DeduplicationTime: cfg.DeduplicationTime,
			MaxLength:         cfg.MaxLength,
		},
	}
	if cfg.DeadLetter != nil {
		dl := *cfg.DeadLetter
		q.meta.DeadLetter = &dl
	}

	if log != nil {
		if err := log.WriteMeta(&q.meta); err != nil {
			return nil, err
		}
	}

	return q, nil
}

// openQueue rebuilds a persistent queue from its record log and metadata.
// The log is compacted as part of loading.
func openQueue(name string, log storage.Log, e *env) (*Queue, error) {
	meta, err := log.ReadMeta()
	if err != nil {
		return nil, err
	}

	items, err := log.Compact()
	if err != nil {
		return nil, err
	}

	meta.LastCompactedAt = e.now().Unix()
	if err := log.WriteMeta(meta); err != nil {
		return nil, err
	}

	return &Queue{
		name:     name,
		env:      e,
		log:      log,
		pending:  items,
		dedup:    make(map[string]struct{}),
		inFlight: make(map[string]*types.Message),
		meta:     *meta,
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Persistent reports whether the queue keeps a record log.
func (q *Queue) Persistent() bool {
	return q.log != nil
}

// saveMeta persists next and then makes it current.
func (q *Queue) saveMeta(next types.Meta) error {
	if q.log != nil {
		if err := q.log.WriteMeta(&next); err != nil {
			return err
		}
	}
	q.meta = next
	return nil
}

// writeMeta persists the current metadata.
func (q *Queue) writeMeta() error {
	if q.log == nil {
		return nil
	}
	return q.log.WriteMeta(&q.meta)
}

func (q *Queue) duration(units uint32) time.Duration {
	return time.Duration(units) * q.env.timeUnit
}

// Enqueue appends a message to the tail. It returns nil without error when
// dedupID is already tracked.
func (q *Queue) Enqueue(item []byte, dedupID *string) (*types.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, storage.ErrQueueNotFound
	}

	return q.enqueue(item, dedupID)
}

// EnqueueBatch enqueues all items, or none when they do not fit.
func (q *Queue) EnqueueBatch(items []types.NewMessage) (types.EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res := types.EnqueueResult{Items: make([]*types.Message, 0, len(items))}
	if q.closed {
		return res, storage.ErrQueueNotFound
	}
	if !q.canFit(len(items)) {
		return res, ErrQueueFull
	}

	for _, it := range items {
		msg, err := q.enqueue(it.Item, it.DeduplicationID)
		if err != nil {
			return res, err
		}
		if msg == nil {
			res.NumDeduplicated++
			continue
		}
		res.Items = append(res.Items, msg)
		res.NumEnqueued++
	}

	return res, nil
}

func (q *Queue) enqueue(item []byte, dedupID *string) (*types.Message, error) {
	if dedupID != nil {
		if _, ok := q.dedup[*dedupID]; ok {
			next := q.meta
			next.NumDeduplicated++
			return nil, q.saveMeta(next)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	now := q.env.now().Unix()
	msg := &types.Message{
		ID:        id.String(),
		QueuedAt:  now,
		UpdatedAt: now,
		Item:      append([]byte(nil), item...),
		State:     types.StatePending,
	}

	if q.log != nil {
		if err := q.log.Append(msg); err != nil {
			return nil, err
		}
	}
	q.pending = append(q.pending, msg)

	if dedupID != nil {
		key := *dedupID
		q.dedup[key] = struct{}{}
		if q.meta.DeduplicationTime > 0 {
			q.env.scheduler.Schedule(q.duration(q.meta.DeduplicationTime), func() {
				q.expireDedup(key)
			})
		}
	}

	return msg, nil
}

func (q *Queue) expireDedup(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.dedup, key)
}

// CanFit reports whether n more messages fit under max_length.
func (q *Queue) CanFit(n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.canFit(n)
}

func (q *Queue) canFit(n int) bool {
	if q.meta.MaxLength == 0 {
		return true
	}
	return uint64(len(q.pending))+uint64(n) <= q.meta.MaxLength
}

// Peek returns a copy of the head message, or nil when the queue is empty
// or closed.
func (q *Queue) Peek() *types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.pending) == 0 {
		return nil
	}
	return q.pending[0].Clone()
}

// Dequeue removes the head message. Without autoAck the message stays
// tracked until it is acknowledged or its requeue time elapses.
func (q *Queue) Dequeue(autoAck bool) (*types.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, storage.ErrQueueNotFound
	}

	return q.dequeue(autoAck)
}

// DequeueBatch dequeues up to n messages.
func (q *Queue) DequeueBatch(n int, autoAck bool) ([]*types.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, storage.ErrQueueNotFound
	}

	msgs := make([]*types.Message, 0, min(n, len(q.pending)))
	for range n {
		msg, err := q.dequeue(autoAck)
		if err != nil {
			return msgs, err
		}
		if msg == nil {
			break
		}
		msgs = append(msgs, msg)
	}

	return msgs, nil
}

func (q *Queue) dequeue(autoAck bool) (*types.Message, error) {
	if len(q.pending) == 0 {
		return nil, nil
	}

	head := q.pending[0]
	if q.log != nil {
		if err := q.log.AppendTombstone(head.ID); err != nil {
			return nil, err
		}
	}
	q.pending[0] = nil
	q.pending = q.pending[1:]

	if autoAck {
		q.meta.NumAcknowledged++
		if err := q.writeMeta(); err != nil {
			return head, fmt.Errorf("message %s dequeued but metadata not saved: %w", head.ID, err)
		}
		return head, nil
	}

	q.inFlight[head.ID] = head
	if q.meta.RequeueTime > 0 {
		q.env.scheduler.Schedule(q.duration(q.meta.RequeueTime), func() {
			q.expireAck(head)
		})
	}

	return head, nil
}

// Ack acknowledges an in-flight message and reports whether it was tracked.
func (q *Queue) Ack(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, storage.ErrQueueNotFound
	}
	if _, ok := q.inFlight[id]; !ok {
		return false, nil
	}

	next := q.meta
	next.NumAcknowledged++
	if err := q.saveMeta(next); err != nil {
		return false, err
	}
	delete(q.inFlight, id)

	return true, nil
}

// expireAck handles an acknowledgement timeout for msg. It does nothing when
// msg was acknowledged in the meantime.
func (q *Queue) expireAck(msg *types.Message) {
	q.mu.Lock()
	if q.closed || q.inFlight[msg.ID] != msg {
		q.mu.Unlock()
		return
	}
	delete(q.inFlight, msg.ID)

	now := q.env.now().Unix()
	if dl := q.meta.DeadLetter; dl != nil && msg.NumRequeues >= dl.Threshold {
		failed := msg.Clone()
		failed.State = types.StateFailed
		failed.UpdatedAt = now
		target := dl.Name
		q.mu.Unlock()

		q.env.deadLetter(q.name, target, failed)
		return
	}

	requeued := msg.Clone()
	requeued.State = types.StateRequeued
	requeued.UpdatedAt = now
	if requeued.NumRequeues < math.MaxUint16 {
		requeued.NumRequeues++
	}

	if q.log != nil {
		if err := q.log.Append(requeued); err != nil {
			q.mu.Unlock()
			// The head tombstone is already on disk, so a requeue kept only
			// in memory would break replay.
			q.env.logger.Error("failed to persist requeued message, message dropped",
				slog.String("queue", q.name),
				slog.String("message_id", requeued.ID),
				slog.Any("error", err))
			q.env.notify(events.MessageDropped{
				QueueName: q.name,
				MessageID: requeued.ID,
				Reason:    err.Error(),
			})
			return
		}
	}
	q.pending = append(q.pending, requeued)
	q.meta.NumRequeued++
	if err := q.writeMeta(); err != nil {
		q.env.logger.Error("failed to save queue metadata",
			slog.String("queue", q.name),
			slog.Any("error", err))
	}
	q.mu.Unlock()

	q.env.notify(events.MessageRequeued{
		QueueName:   q.name,
		MessageID:   requeued.ID,
		NumRequeues: requeued.NumRequeues,
	})
}

// appendDeadLetter appends a failed message from another queue to the tail.
func (q *Queue) appendDeadLetter(msg *types.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return storage.ErrQueueNotFound
	}

	if q.log != nil {
		if err := q.log.Append(msg); err != nil {
			return err
		}
	}
	q.pending = append(q.pending, msg)

	return nil
}

// Purge drops every message and resets the counters. With remove set, the
// on-disk queue directory is deleted and the queue is closed; otherwise only
// the record log is removed. It returns the number of dropped messages.
func (q *Queue) Purge(remove bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, storage.ErrQueueNotFound
	}

	dropped := len(q.pending) + len(q.inFlight)

	if q.log != nil {
		var err error
		if remove {
			err = q.log.Remove()
		} else {
			err = q.log.RemoveItems()
		}
		if err != nil {
			return 0, err
		}
	}

	q.pending = nil
	q.inFlight = make(map[string]*types.Message)
	q.dedup = make(map[string]struct{})
	q.meta.NumAcknowledged = 0
	q.meta.NumDeduplicated = 0
	q.meta.NumRequeued = 0

	if remove {
		q.closed = true
		return dropped, nil
	}

	return dropped, q.writeMeta()
}

// Compact rewrites the record log so that it only holds pending messages.
func (q *Queue) Compact() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return storage.ErrQueueNotFound
	}
	if q.log == nil {
		return ErrNotPersistent
	}

	if _, err := q.log.Compact(); err != nil {
		return err
	}

	q.meta.LastCompactedAt = q.env.now().Unix()
	return q.writeMeta()
}

// scheduleCompaction compacts the queue every compaction interval until it
// is closed.
func (q *Queue) scheduleCompaction() {
	if q.log == nil || q.env.compactInterval <= 0 {
		return
	}

	q.env.scheduler.Schedule(q.env.compactInterval, func() {
		if q.isClosed() {
			return
		}

		if err := q.Compact(); err != nil {
			q.env.logger.Error("periodic compaction failed",
				slog.String("queue", q.name),
				slog.Any("error", err))
		} else {
			q.env.notify(events.QueueCompacted{
				QueueName: q.name,
				Size:      q.Size(),
				DiskSize:  q.DiskSize(),
				Periodic:  true,
			})
		}

		q.scheduleCompaction()
	})
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// close releases the record log handle. Pending timers become no-ops.
func (q *Queue) close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	if q.log != nil {
		return q.log.Close()
	}
	return nil
}

// Update applies the non-nil fields of u. Timers already scheduled keep
// their deadlines.
func (q *Queue) Update(u types.QueueUpdate) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return storage.ErrQueueNotFound
	}

	next := q.meta
	if u.RequeueTime != nil {
		next.RequeueTime = *u.RequeueTime
	}
	if u.DeduplicationTime != nil {
		next.DeduplicationTime = *u.DeduplicationTime
	}
	if u.MaxLength != nil {
		next.MaxLength = *u.MaxLength
	}

	return q.saveMeta(next)
}

// SetRequeueTime sets the acknowledgement timeout in seconds.
func (q *Queue) SetRequeueTime(v uint32) error {
	return q.Update(types.QueueUpdate{RequeueTime: &v})
}

// SetDeduplicationTime sets the deduplication window in seconds.
func (q *Queue) SetDeduplicationTime(v uint32) error {
	return q.Update(types.QueueUpdate{DeduplicationTime: &v})
}

// SetMaxLength sets the admission bound; 0 means unbounded.
func (q *Queue) SetMaxLength(v uint64) error {
	return q.Update(types.QueueUpdate{MaxLength: &v})
}

// Size returns the number of pending messages.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DedupSize returns the number of tracked deduplication ids.
func (q *Queue) DedupSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dedup)
}

// InFlightSize returns the number of unacknowledged messages.
func (q *Queue) InFlightSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// NumAcknowledged returns the number of acknowledged messages.
func (q *Queue) NumAcknowledged() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.meta.NumAcknowledged
}

// NumDeduplicated returns the number of messages dropped as duplicates.
func (q *Queue) NumDeduplicated() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.meta.NumDeduplicated
}

// NumRequeued returns the number of acknowledgement timeouts that requeued a message.
func (q *Queue) NumRequeued() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.meta.NumRequeued
}

// CreatedAt returns the queue creation time in Unix seconds.
func (q *Queue) CreatedAt() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.meta.CreatedAt
}

// LastCompactedAt returns the last compaction time in Unix seconds, or 0.
func (q *Queue) LastCompactedAt() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.meta.LastCompactedAt
}

// RequeueTime returns the acknowledgement timeout in seconds.
func (q *Queue) RequeueTime() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.meta.RequeueTime
}

// DeduplicationTime returns the deduplication window in seconds.
func (q *Queue) DeduplicationTime() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.meta.DeduplicationTime
}

// MaxLength returns the admission bound; 0 means unbounded.
func (q *Queue) MaxLength() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.meta.MaxLength
}

// DeadLetter returns the dead letter configuration, or nil.
func (q *Queue) DeadLetter() *types.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.meta.DeadLetter == nil {
		return nil
	}
	dl := *q.meta.DeadLetter
	return &dl
}

// MemorySize returns an approximation of the memory held by the queue.
func (q *Queue) MemorySize() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.memorySize()
}

func (q *Queue) memorySize() int64 {
	msgSize := int64(unsafe.Sizeof(types.Message{}))
	size := int64(unsafe.Sizeof(*q))
	for _, m := range q.pending {
		size += msgSize + int64(len(m.ID)+len(m.Item))
	}
	for _, m := range q.inFlight {
		size += msgSize + int64(len(m.ID)+len(m.Item))
	}
	for k := range q.dedup {
		size += int64(unsafe.Sizeof(k)) + int64(len(k))
	}
	return size
}

// DiskSize returns the bytes used by the record log and metadata.
func (q *Queue) DiskSize() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.diskSize()
}

func (q *Queue) diskSize() int64 {
	if q.log == nil || q.closed {
		return 0
	}
	size, err := q.log.Size()
	if err != nil {
		q.env.logger.Warn("failed to stat queue storage",
			slog.String("queue", q.name),
			slog.Any("error", err))
		return 0
	}
	return size
}

// Info returns a consistent snapshot of the queue.
func (q *Queue) Info() types.QueueInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	info := types.QueueInfo{
		Name:              q.name,
		CreatedAt:         q.meta.CreatedAt,
		LastCompactedAt:   q.meta.LastCompactedAt,
		Size:              len(q.pending),
		NumDeduplicating:  len(q.dedup),
		NumUnacknowledged: len(q.inFlight),
		NumAcknowledged:   q.meta.NumAcknowledged,
		NumDeduplicated:   q.meta.NumDeduplicated,
		NumRequeued:       q.meta.NumRequeued,
		DeduplicationTime: q.meta.DeduplicationTime,
		RequeueTime:       q.meta.RequeueTime,
		MaxLength:         q.meta.MaxLength,
		Persistent:        q.log != nil,
		MemorySize:        q.memorySize(),
		DiskSize:          q.diskSize(),
	}
	if q.meta.DeadLetter != nil {
		dl := *q.meta.DeadLetter
		info.DeadLetter = &dl
	}

	return info
}
