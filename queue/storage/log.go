// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import "github.com/absmach/corinth/queue/types"

// Log is the durable record log behind a persistent queue.
//
// Records are appended in the order the queue mutates its pending list: a live
// record for every message pushed to the tail and a tombstone for every
// message popped from the head. Replaying the log positionally therefore
// rebuilds the pending list. Implementations are not safe for concurrent use;
// the owning queue serializes access.
type Log interface {
	// Append writes a live record for msg.
	Append(msg *types.Message) error

	// AppendTombstone writes a deletion record for the current head, id.
	AppendTombstone(id string) error

	// Replay reads the log and returns the live messages in order.
	Replay() ([]*types.Message, error)

	// Compact rewrites the log to contain only live records and returns them.
	Compact() ([]*types.Message, error)

	// WriteMeta overwrites the metadata document.
	WriteMeta(meta *types.Meta) error

	// ReadMeta loads the metadata document.
	ReadMeta() (*types.Meta, error)

	// RemoveItems deletes the record log, keeping the metadata.
	RemoveItems() error

	// Remove deletes everything the log owns on disk.
	Remove() error

	// Size returns the on-disk size in bytes.
	Size() (int64, error)

	// Close releases open file handles.
	Close() error
}
