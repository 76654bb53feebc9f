// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers queue lifecycle events to HTTP endpoints.
package webhook

import (
	"context"
	"time"
)

// Sender is the transport used to deliver an encoded event.
type Sender interface {
	// Send delivers payload to url, failing on transport errors or
	// non-success responses.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
