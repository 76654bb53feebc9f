// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConfig indicates an invalid queue configuration.
	ErrInvalidConfig = errors.New("invalid queue configuration")
	// ErrInvalidName indicates a queue name that cannot be used.
	ErrInvalidName = errors.New("invalid queue name")
)

// Queue defaults.
const (
	DefaultRequeueTime         uint32 = 300
	DefaultDeduplicationTime   uint32 = 300
	DefaultDeadLetterThreshold uint16 = 3
	MaxNameLength                     = 64
)

// DeadLetter routes messages that keep timing out into another queue.
type DeadLetter struct {
	Name      string `json:"name"`
	Threshold uint16 `json:"threshold"`
}

// Meta is the persisted per-queue document: counters plus configuration.
type Meta struct {
	CreatedAt         int64       `json:"created_at"`
	LastCompactedAt   int64       `json:"last_compacted_at"`
	NumAcknowledged   uint64      `json:"num_acknowledged"`
	NumDeduplicated   uint64      `json:"num_deduplicated"`
	NumRequeued       uint64      `json:"num_requeued"`
	RequeueTime       uint32      `json:"requeue_time"`
	DeduplicationTime uint32      `json:"deduplication_time"`
	MaxLength         uint64      `json:"max_length"`
	DeadLetter        *DeadLetter `json:"dead_letter,omitempty"`
}

// QueueConfig defines configuration for a new queue.
type QueueConfig struct {
	Name              string
	RequeueTime       uint32 // seconds, 0 disables auto-requeue
	DeduplicationTime uint32 // seconds, 0 disables dedup expiry
	MaxLength         uint64 // 0 = unbounded
	Persistent        bool
	DeadLetter        *DeadLetter
}

// DefaultQueueConfig returns default queue configuration.
func DefaultQueueConfig(name string) QueueConfig {
	return QueueConfig{
		Name:              name,
		RequeueTime:       DefaultRequeueTime,
		DeduplicationTime: DefaultDeduplicationTime,
		Persistent:        true,
	}
}

// Validate validates queue configuration.
func (c *QueueConfig) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if c.DeadLetter != nil {
		if err := ValidateName(c.DeadLetter.Name); err != nil {
			return fmt.Errorf("%w: dead letter target: %v", ErrInvalidConfig, err)
		}
		if c.DeadLetter.Name == c.Name {
			return fmt.Errorf("%w: queue cannot be its own dead letter target", ErrInvalidConfig)
		}
	}
	return nil
}

// ValidateName checks that a queue name is usable as a directory name.
func ValidateName(name string) error {
	switch {
	case name == "", len(name) > MaxNameLength:
		return ErrInvalidName
	case name == ".", name == "..":
		return ErrInvalidName
	case strings.ContainsAny(name, `/\`):
		return ErrInvalidName
	}
	return nil
}

// QueueUpdate carries optional configuration changes. Nil fields are left as is.
type QueueUpdate struct {
	RequeueTime       *uint32 `json:"requeue_time,omitempty"`
	DeduplicationTime *uint32 `json:"deduplication_time,omitempty"`
	MaxLength         *uint64 `json:"max_length,omitempty"`
}

// QueueInfo is a point-in-time snapshot of a queue used by listing endpoints.
type QueueInfo struct {
	Name              string      `json:"name"`
	CreatedAt         int64       `json:"created_at"`
	LastCompactedAt   int64       `json:"last_compacted_at"`
	Size              int         `json:"size"`
	NumDeduplicating  int         `json:"num_deduplicating"`
	NumUnacknowledged int         `json:"num_unacknowledged"`
	NumAcknowledged   uint64      `json:"num_acknowledged"`
	NumDeduplicated   uint64      `json:"num_deduplicated"`
	NumRequeued       uint64      `json:"num_requeued"`
	DeduplicationTime uint32      `json:"deduplication_time"`
	RequeueTime       uint32      `json:"requeue_time"`
	MaxLength         uint64      `json:"max_length"`
	Persistent        bool        `json:"persistent"`
	MemorySize        int64       `json:"memory_size"`
	DiskSize          int64       `json:"disk_size"`
	DeadLetter        *DeadLetter `json:"dead_letter"`
}
