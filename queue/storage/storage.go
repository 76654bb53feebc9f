// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

var (
	ErrQueueNotFound      = errors.New("queue not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrQueueAlreadyExists = errors.New("queue already exists")
	ErrMetaNotFound       = errors.New("queue metadata not found")
	ErrCorruptLog         = errors.New("corrupt queue log")
)
