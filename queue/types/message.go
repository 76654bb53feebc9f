// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "encoding/json"

// MessageState represents the lifecycle state of a queued message.
type MessageState string

const (
	StatePending  MessageState = "Pending"
	StateRequeued MessageState = "Requeued"
	StateFailed   MessageState = "Failed"
)

// Message is a single queued item. Field order matches the on-disk record
// layout: id, queued_at, updated_at, item, state, num_requeues.
type Message struct {
	ID          string          `json:"id"`
	QueuedAt    int64           `json:"queued_at"`
	UpdatedAt   int64           `json:"updated_at"`
	Item        json.RawMessage `json:"item"`
	State       MessageState    `json:"state"`
	NumRequeues uint16          `json:"num_requeues"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Item != nil {
		c.Item = append(json.RawMessage(nil), m.Item...)
	}
	return &c
}

// NewMessage is a producer submission: an opaque payload plus an optional
// deduplication id.
type NewMessage struct {
	Item            json.RawMessage `json:"item"`
	DeduplicationID *string         `json:"deduplication_id,omitempty"`
}

// EnqueueResult summarizes a batch enqueue.
type EnqueueResult struct {
	Items           []*Message `json:"items"`
	NumEnqueued     int        `json:"num_enqueued"`
	NumDeduplicated int        `json:"num_deduplicated"`
}
