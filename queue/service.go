// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"

	"github.com/absmach/corinth/events"
	"github.com/absmach/corinth/queue/storage"
	"github.com/absmach/corinth/queue/types"
)

// Service defines the name-addressed queue operations used by the API layer.
// This interface enables middleware wrapping for cross-cutting concerns
// like logging and metrics.
type Service interface {
	// CreateQueue creates a queue and returns its info.
	CreateQueue(ctx context.Context, cfg types.QueueConfig) (types.QueueInfo, error)

	// DeleteQueue removes a queue and its storage.
	DeleteQueue(ctx context.Context, name string) error

	// GetQueue returns the info of a queue.
	GetQueue(ctx context.Context, name string) (types.QueueInfo, error)

	// ListQueues returns the info of every queue, sorted by name.
	ListQueues(ctx context.Context) ([]types.QueueInfo, error)

	// UpdateQueue changes queue settings.
	UpdateQueue(ctx context.Context, name string, u types.QueueUpdate) (types.QueueInfo, error)

	// Enqueue adds a batch of messages.
	Enqueue(ctx context.Context, name string, items []types.NewMessage) (types.EnqueueResult, error)

	// Dequeue removes up to amount messages from the head.
	Dequeue(ctx context.Context, name string, amount int, autoAck bool) ([]*types.Message, error)

	// Peek returns the head message without removing it, or nil.
	Peek(ctx context.Context, name string) (*types.Message, error)

	// Ack acknowledges an in-flight message.
	Ack(ctx context.Context, name, id string) error

	// Purge drops every message of a queue.
	Purge(ctx context.Context, name string) error

	// Compact rewrites the record log of a persistent queue.
	Compact(ctx context.Context, name string) error
}

var _ Service = (*Manager)(nil)

func (m *Manager) CreateQueue(_ context.Context, cfg types.QueueConfig) (types.QueueInfo, error) {
	q, err := m.create(cfg)
	if err != nil {
		return types.QueueInfo{}, err
	}

	ev := events.QueueCreated{QueueName: q.Name(), Persistent: q.Persistent()}
	if dl := q.DeadLetter(); dl != nil {
		ev.DeadLetter = dl.Name
	}
	m.notify(ev)

	return q.Info(), nil
}

func (m *Manager) DeleteQueue(_ context.Context, name string) error {
	if _, err := m.remove(name); err != nil {
		return err
	}

	m.notify(events.QueueDeleted{QueueName: name})
	return nil
}

func (m *Manager) GetQueue(_ context.Context, name string) (types.QueueInfo, error) {
	q, err := m.Queue(name)
	if err != nil {
		return types.QueueInfo{}, err
	}
	return q.Info(), nil
}

func (m *Manager) ListQueues(_ context.Context) ([]types.QueueInfo, error) {
	queues := m.Queues()
	infos := make([]types.QueueInfo, 0, len(queues))
	for _, q := range queues {
		infos = append(infos, q.Info())
	}
	return infos, nil
}

func (m *Manager) UpdateQueue(_ context.Context, name string, u types.QueueUpdate) (types.QueueInfo, error) {
	q, err := m.Queue(name)
	if err != nil {
		return types.QueueInfo{}, err
	}
	if err := q.Update(u); err != nil {
		return types.QueueInfo{}, err
	}
	return q.Info(), nil
}

func (m *Manager) Enqueue(_ context.Context, name string, items []types.NewMessage) (types.EnqueueResult, error) {
	q, err := m.Queue(name)
	if err != nil {
		return types.EnqueueResult{}, err
	}
	return q.EnqueueBatch(items)
}

func (m *Manager) Dequeue(_ context.Context, name string, amount int, autoAck bool) ([]*types.Message, error) {
	q, err := m.Queue(name)
	if err != nil {
		return nil, err
	}
	if amount < 1 {
		amount = 1
	}
	return q.DequeueBatch(amount, autoAck)
}

func (m *Manager) Peek(_ context.Context, name string) (*types.Message, error) {
	q, err := m.Queue(name)
	if err != nil {
		return nil, err
	}
	return q.Peek(), nil
}

func (m *Manager) Ack(_ context.Context, name, id string) error {
	q, err := m.Queue(name)
	if err != nil {
		return err
	}

	ok, err := q.Ack(id)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrMessageNotFound
	}
	return nil
}

func (m *Manager) Purge(_ context.Context, name string) error {
	q, err := m.Queue(name)
	if err != nil {
		return err
	}

	dropped, err := q.Purge(false)
	if err != nil {
		return fmt.Errorf("failed to purge queue %s: %w", name, err)
	}

	m.notify(events.QueuePurged{QueueName: name, Removed: dropped})
	return nil
}

func (m *Manager) Compact(_ context.Context, name string) error {
	q, err := m.Queue(name)
	if err != nil {
		return err
	}
	if err := q.Compact(); err != nil {
		return err
	}

	m.notify(events.QueueCompacted{
		QueueName: name,
		Size:      q.Size(),
		DiskSize:  q.DiskSize(),
	})
	return nil
}
