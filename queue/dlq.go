// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"log/slog"

	"github.com/absmach/corinth/events"
	"github.com/absmach/corinth/queue/storage"
	"github.com/absmach/corinth/queue/types"
)

// transplant moves a failed message into its dead letter queue. The source
// has already released the message, so a missing target drops it.
func (m *Manager) transplant(source, target string, msg *types.Message) {
	m.mu.RLock()
	dlq, ok := m.queues[target]
	m.mu.RUnlock()

	if ok {
		err := dlq.appendDeadLetter(msg)
		if err == nil {
			m.logger.Debug("message moved to dead letter queue",
				slog.String("queue", source),
				slog.String("target", target),
				slog.String("message_id", msg.ID),
				slog.Int("num_requeues", int(msg.NumRequeues)))
			m.notify(events.MessageDeadLettered{
				QueueName:   source,
				MessageID:   msg.ID,
				Target:      target,
				NumRequeues: msg.NumRequeues,
			})
			return
		}
		if !errors.Is(err, storage.ErrQueueNotFound) {
			m.logger.Error("failed to append message to dead letter queue",
				slog.String("queue", source),
				slog.String("target", target),
				slog.String("message_id", msg.ID),
				slog.Any("error", err))
			m.notify(events.MessageDropped{
				QueueName: source,
				MessageID: msg.ID,
				Target:    target,
				Reason:    err.Error(),
			})
			return
		}
	}

	m.logger.Warn("dead letter queue not found, message dropped",
		slog.String("queue", source),
		slog.String("target", target),
		slog.String("message_id", msg.ID))
	m.notify(events.MessageDropped{
		QueueName: source,
		MessageID: msg.ID,
		Target:    target,
		Reason:    "dead letter queue not found",
	})
}

// isDeadLetterTarget reports whether another queue routes failed messages to
// name. Callers hold m.mu.
func (m *Manager) isDeadLetterTarget(name string) bool {
	for other, q := range m.queues {
		if other == name {
			continue
		}
		if dl := q.DeadLetter(); dl != nil && dl.Name == name {
			return true
		}
	}
	return false
}
