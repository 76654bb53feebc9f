// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/corinth/queue"
	"github.com/absmach/corinth/queue/types"
)

var _ queue.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    queue.Service
}

// NewLogging creates logging middleware that wraps a queue service.
func NewLogging(svc queue.Service, logger *slog.Logger) queue.Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingMiddleware{logger, svc}
}

func (lm *loggingMiddleware) log(ctx context.Context, method string, begin time.Time, err error, attrs ...slog.Attr) {
	attrs = append(attrs, slog.String("duration", time.Since(begin).String()))
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.Any("error", err))
	}
	lm.logger.LogAttrs(ctx, level, method, attrs...)
}

// CreateQueue logs queue creation.
func (lm *loggingMiddleware) CreateQueue(ctx context.Context, cfg types.QueueConfig) (info types.QueueInfo, err error) {
	defer func(begin time.Time) {
		lm.log(ctx, "CreateQueue", begin, err,
			slog.String("queue", cfg.Name),
			slog.Bool("persistent", cfg.Persistent))
	}(time.Now())

	return lm.svc.CreateQueue(ctx, cfg)
}

// DeleteQueue logs queue removal.
func (lm *loggingMiddleware) DeleteQueue(ctx context.Context, name string) (err error) {
	defer func(begin time.Time) {
		lm.log(ctx, "DeleteQueue", begin, err, slog.String("queue", name))
	}(time.Now())

	return lm.svc.DeleteQueue(ctx, name)
}

func (lm *loggingMiddleware) GetQueue(ctx context.Context, name string) (info types.QueueInfo, err error) {
	defer func(begin time.Time) {
		lm.log(ctx, "GetQueue", begin, err, slog.String("queue", name))
	}(time.Now())

	return lm.svc.GetQueue(ctx, name)
}

func (lm *loggingMiddleware) ListQueues(ctx context.Context) (infos []types.QueueInfo, err error) {
	defer func(begin time.Time) {
		lm.log(ctx, "ListQueues", begin, err, slog.Int("count", len(infos)))
	}(time.Now())

	return lm.svc.ListQueues(ctx)
}

// UpdateQueue logs configuration changes.
func (lm *loggingMiddleware) UpdateQueue(ctx context.Context, name string, u types.QueueUpdate) (info types.QueueInfo, err error) {
	defer func(begin time.Time) {
		lm.log(ctx, "UpdateQueue", begin, err, slog.String("queue", name))
	}(time.Now())

	return lm.svc.UpdateQueue(ctx, name, u)
}

// Enqueue logs batch size and deduplication hits.
func (lm *loggingMiddleware) Enqueue(ctx context.Context, name string, items []types.NewMessage) (res types.EnqueueResult, err error) {
	defer func(begin time.Time) {
		lm.log(ctx, "Enqueue", begin, err,
			slog.String("queue", name),
			slog.Int("items", len(items)),
			slog.Int("enqueued", res.NumEnqueued),
			slog.Int("deduplicated", res.NumDeduplicated))
	}(time.Now())

	return lm.svc.Enqueue(ctx, name, items)
}

func (lm *loggingMiddleware) Dequeue(ctx context.Context, name string, amount int, autoAck bool) (msgs []*types.Message, err error) {
	defer func(begin time.Time) {
		lm.log(ctx, "Dequeue", begin, err,
			slog.String("queue", name),
			slog.Int("amount", amount),
			slog.Bool("ack", autoAck),
			slog.Int("dequeued", len(msgs)))
	}(time.Now())

	return lm.svc.Dequeue(ctx, name, amount, autoAck)
}

func (lm *loggingMiddleware) Peek(ctx context.Context, name string) (msg *types.Message, err error) {
	defer func(begin time.Time) {
		lm.log(ctx, "Peek", begin, err, slog.String("queue", name))
	}(time.Now())

	return lm.svc.Peek(ctx, name)
}

func (lm *loggingMiddleware) Ack(ctx context.Context, name, id string) (err error) {
	defer func(begin time.Time) {
		lm.log(ctx, "Ack", begin, err,
			slog.String("queue", name),
			slog.String("message_id", id))
	}(time.Now())

	return lm.svc.Ack(ctx, name, id)
}

func (lm *loggingMiddleware) Purge(ctx context.Context, name string) (err error) {
	defer func(begin time.Time) {
		lm.log(ctx, "Purge", begin, err, slog.String("queue", name))
	}(time.Now())

	return lm.svc.Purge(ctx, name)
}

func (lm *loggingMiddleware) Compact(ctx context.Context, name string) (err error) {
	defer func(begin time.Time) {
		lm.log(ctx, "Compact", begin, err, slog.String("queue", name))
	}(time.Now())

	return lm.svc.Compact(ctx, name)
}
