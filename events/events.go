// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeQueueCreated        = "queue.created"
	TypeQueueDeleted        = "queue.deleted"
	TypeQueuePurged         = "queue.purged"
	TypeQueueCompacted      = "queue.compacted"
	TypeMessageRequeued     = "message.requeued"
	TypeMessageDeadLettered = "message.dead_lettered"
	TypeMessageDropped      = "message.dropped"
)

// Event is the common interface for all queue lifecycle events.
type Event interface {
	// Type returns the event type identifier (e.g., "queue.created").
	Type() string

	// Queue returns the name of the queue the event belongs to.
	Queue() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(serverID string) *Envelope
}

// Notifier delivers events to an external sink.
type Notifier interface {
	// Notify hands the event over without blocking on delivery.
	Notify(ctx context.Context, event Event) error

	// Close flushes pending events and releases resources.
	Close() error
}

// Envelope is the common wrapper for all delivered events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	ServerID  string `json:"server_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, serverID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ServerID:  serverID,
		Data:      e,
	}
}

// QueueCreated is emitted when a queue is created.
type QueueCreated struct {
	QueueName  string `json:"queue"`
	Persistent bool   `json:"persistent"`
	DeadLetter string `json:"dead_letter,omitempty"`
}

func (e QueueCreated) Type() string                   { return TypeQueueCreated }
func (e QueueCreated) Queue() string                  { return e.QueueName }
func (e QueueCreated) Wrap(serverID string) *Envelope { return wrap(e, serverID) }

// QueueDeleted is emitted when a queue and its storage are removed.
type QueueDeleted struct {
	QueueName string `json:"queue"`
}

func (e QueueDeleted) Type() string                   { return TypeQueueDeleted }
func (e QueueDeleted) Queue() string                  { return e.QueueName }
func (e QueueDeleted) Wrap(serverID string) *Envelope { return wrap(e, serverID) }

// QueuePurged is emitted when a queue is emptied.
type QueuePurged struct {
	QueueName string `json:"queue"`
	Removed   int    `json:"removed"`
}

func (e QueuePurged) Type() string                   { return TypeQueuePurged }
func (e QueuePurged) Queue() string                  { return e.QueueName }
func (e QueuePurged) Wrap(serverID string) *Envelope { return wrap(e, serverID) }

// QueueCompacted is emitted after a record log was rewritten.
type QueueCompacted struct {
	QueueName string `json:"queue"`
	Size      int    `json:"size"`
	DiskSize  int64  `json:"disk_size"`
	Periodic  bool   `json:"periodic"`
}

func (e QueueCompacted) Type() string                   { return TypeQueueCompacted }
func (e QueueCompacted) Queue() string                  { return e.QueueName }
func (e QueueCompacted) Wrap(serverID string) *Envelope { return wrap(e, serverID) }

// MessageRequeued is emitted when an unacknowledged message returns to its queue.
type MessageRequeued struct {
	QueueName   string `json:"queue"`
	MessageID   string `json:"message_id"`
	NumRequeues uint16 `json:"num_requeues"`
}

func (e MessageRequeued) Type() string                   { return TypeMessageRequeued }
func (e MessageRequeued) Queue() string                  { return e.QueueName }
func (e MessageRequeued) Wrap(serverID string) *Envelope { return wrap(e, serverID) }

// MessageDeadLettered is emitted when a message is moved to a dead letter queue.
type MessageDeadLettered struct {
	QueueName   string `json:"queue"`
	MessageID   string `json:"message_id"`
	Target      string `json:"target"`
	NumRequeues uint16 `json:"num_requeues"`
}

func (e MessageDeadLettered) Type() string                   { return TypeMessageDeadLettered }
func (e MessageDeadLettered) Queue() string                  { return e.QueueName }
func (e MessageDeadLettered) Wrap(serverID string) *Envelope { return wrap(e, serverID) }

// MessageDropped is emitted when a message could not be delivered anywhere.
type MessageDropped struct {
	QueueName string `json:"queue"`
	MessageID string `json:"message_id"`
	Target    string `json:"target,omitempty"`
	Reason    string `json:"reason"`
}

func (e MessageDropped) Type() string                   { return TypeMessageDropped }
func (e MessageDropped) Queue() string                  { return e.QueueName }
func (e MessageDropped) Wrap(serverID string) *Envelope { return wrap(e, serverID) }

// Fanout returns a Notifier that forwards every event to all non-nil notifiers.
func Fanout(notifiers ...Notifier) Notifier {
	var f fanout
	for _, n := range notifiers {
		if n != nil {
			f = append(f, n)
		}
	}
	return f
}

type fanout []Notifier

func (f fanout) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) Close() error {
	var errs []error
	for _, n := range f {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
