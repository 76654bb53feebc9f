// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"time"

	"github.com/absmach/corinth/queue"
	"github.com/absmach/corinth/queue/types"
)

var _ queue.Service = (*metricsMiddleware)(nil)

// Recorder receives queue operation measurements.
type Recorder interface {
	RecordOperation(ctx context.Context, op string, d time.Duration, err error)
	RecordEnqueued(ctx context.Context, queue string, enqueued, deduplicated int)
	RecordDequeued(ctx context.Context, queue string, n int, autoAck bool)
	RecordAcknowledged(ctx context.Context, queue string)
}

type metricsMiddleware struct {
	rec Recorder
	svc queue.Service
}

// NewMetrics creates metrics middleware that wraps a queue service.
func NewMetrics(svc queue.Service, rec Recorder) queue.Service {
	return &metricsMiddleware{rec, svc}
}

func (mm *metricsMiddleware) CreateQueue(ctx context.Context, cfg types.QueueConfig) (info types.QueueInfo, err error) {
	defer func(begin time.Time) {
		mm.rec.RecordOperation(ctx, "create_queue", time.Since(begin), err)
	}(time.Now())

	return mm.svc.CreateQueue(ctx, cfg)
}

func (mm *metricsMiddleware) DeleteQueue(ctx context.Context, name string) (err error) {
	defer func(begin time.Time) {
		mm.rec.RecordOperation(ctx, "delete_queue", time.Since(begin), err)
	}(time.Now())

	return mm.svc.DeleteQueue(ctx, name)
}

func (mm *metricsMiddleware) GetQueue(ctx context.Context, name string) (info types.QueueInfo, err error) {
	defer func(begin time.Time) {
		mm.rec.RecordOperation(ctx, "get_queue", time.Since(begin), err)
	}(time.Now())

	return mm.svc.GetQueue(ctx, name)
}

func (mm *metricsMiddleware) ListQueues(ctx context.Context) (infos []types.QueueInfo, err error) {
	defer func(begin time.Time) {
		mm.rec.RecordOperation(ctx, "list_queues", time.Since(begin), err)
	}(time.Now())

	return mm.svc.ListQueues(ctx)
}

func (mm *metricsMiddleware) UpdateQueue(ctx context.Context, name string, u types.QueueUpdate) (info types.QueueInfo, err error) {
	defer func(begin time.Time) {
		mm.rec.RecordOperation(ctx, "update_queue", time.Since(begin), err)
	}(time.Now())

	return mm.svc.UpdateQueue(ctx, name, u)
}

// Enqueue wraps the call with enqueue and deduplication counters.
func (mm *metricsMiddleware) Enqueue(ctx context.Context, name string, items []types.NewMessage) (res types.EnqueueResult, err error) {
	defer func(begin time.Time) {
		mm.rec.RecordOperation(ctx, "enqueue", time.Since(begin), err)
		if err == nil {
			mm.rec.RecordEnqueued(ctx, name, res.NumEnqueued, res.NumDeduplicated)
		}
	}(time.Now())

	return mm.svc.Enqueue(ctx, name, items)
}

// Dequeue wraps the call with dequeue counters. Auto-acknowledged messages
// also count as acknowledged.
func (mm *metricsMiddleware) Dequeue(ctx context.Context, name string, amount int, autoAck bool) (msgs []*types.Message, err error) {
	defer func(begin time.Time) {
		mm.rec.RecordOperation(ctx, "dequeue", time.Since(begin), err)
		if len(msgs) > 0 {
			mm.rec.RecordDequeued(ctx, name, len(msgs), autoAck)
		}
	}(time.Now())

	return mm.svc.Dequeue(ctx, name, amount, autoAck)
}

func (mm *metricsMiddleware) Peek(ctx context.Context, name string) (msg *types.Message, err error) {
	defer func(begin time.Time) {
		mm.rec.RecordOperation(ctx, "peek", time.Since(begin), err)
	}(time.Now())

	return mm.svc.Peek(ctx, name)
}

func (mm *metricsMiddleware) Ack(ctx context.Context, name, id string) (err error) {
	defer func(begin time.Time) {
		mm.rec.RecordOperation(ctx, "ack", time.Since(begin), err)
		if err == nil {
			mm.rec.RecordAcknowledged(ctx, name)
		}
	}(time.Now())

	return mm.svc.Ack(ctx, name, id)
}

func (mm *metricsMiddleware) Purge(ctx context.Context, name string) (err error) {
	defer func(begin time.Time) {
		mm.rec.RecordOperation(ctx, "purge", time.Since(begin), err)
	}(time.Now())

	return mm.svc.Purge(ctx, name)
}

func (mm *metricsMiddleware) Compact(ctx context.Context, name string) (err error) {
	defer func(begin time.Time) {
		mm.rec.RecordOperation(ctx, "compact", time.Since(begin), err)
	}(time.Now())

	return mm.svc.Compact(ctx, name)
}
