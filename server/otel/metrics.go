// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/corinth/events"
	"github.com/absmach/corinth/queue/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	_ middleware.Recorder = (*Metrics)(nil)
	_ events.Notifier     = (*Metrics)(nil)
)

// Metrics holds OpenTelemetry instruments for the queue broker. It records
// service operations and counts lifecycle events.
type Metrics struct {
	meter metric.Meter

	// Counters
	enqueued      metric.Int64Counter
	deduplicated  metric.Int64Counter
	dequeued      metric.Int64Counter
	acknowledged  metric.Int64Counter
	requeued      metric.Int64Counter
	deadLettered  metric.Int64Counter
	dropped       metric.Int64Counter
	compactions   metric.Int64Counter
	errorsTotal   metric.Int64Counter
	queuesCurrent metric.Int64UpDownCounter

	// Histograms
	opDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on the given provider, falling back to
// the global one when provider is nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m := &Metrics{meter: provider.Meter("corinth")}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.enqueued, "corinth.messages.enqueued.total", "Messages appended to queues"},
		{&m.deduplicated, "corinth.messages.deduplicated.total", "Messages discarded as duplicates"},
		{&m.dequeued, "corinth.messages.dequeued.total", "Messages handed out to consumers"},
		{&m.acknowledged, "corinth.messages.acknowledged.total", "Messages acknowledged by consumers"},
		{&m.requeued, "corinth.messages.requeued.total", "Messages requeued after an acknowledgement timeout"},
		{&m.deadLettered, "corinth.messages.dead_lettered.total", "Messages moved to a dead letter queue"},
		{&m.dropped, "corinth.messages.dropped.total", "Messages that could not be dead lettered"},
		{&m.compactions, "corinth.compactions.total", "Record log compactions"},
		{&m.errorsTotal, "corinth.errors.total", "Failed service operations by operation"},
	}
	var err error
	for _, c := range counters {
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.queuesCurrent, err = m.meter.Int64UpDownCounter(
		"corinth.queues.current",
		metric.WithDescription("Queues created minus queues deleted since start"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queuesCurrent gauge: %w", err)
	}

	m.opDuration, err = m.meter.Float64Histogram(
		"corinth.operation.duration.ms",
		metric.WithDescription("Service operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create opDuration histogram: %w", err)
	}

	return m, nil
}

// RecordOperation records the duration of a service operation and counts it
// as an error when err is non-nil.
func (m *Metrics) RecordOperation(ctx context.Context, op string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("operation", op))
	m.opDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	if err != nil {
		m.errorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordEnqueued counts appended and deduplicated messages of one request.
func (m *Metrics) RecordEnqueued(ctx context.Context, queue string, enqueued, deduplicated int) {
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	if enqueued > 0 {
		m.enqueued.Add(ctx, int64(enqueued), attrs)
	}
	if deduplicated > 0 {
		m.deduplicated.Add(ctx, int64(deduplicated), attrs)
	}
}

// RecordDequeued counts messages handed out by one request.
func (m *Metrics) RecordDequeued(ctx context.Context, queue string, n int, autoAck bool) {
	if n == 0 {
		return
	}
	m.dequeued.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.Bool("auto_ack", autoAck),
	))
	if autoAck {
		m.acknowledged.Add(ctx, int64(n), metric.WithAttributes(attribute.String("queue", queue)))
	}
}

// RecordAcknowledged counts an explicit acknowledgement.
func (m *Metrics) RecordAcknowledged(ctx context.Context, queue string) {
	m.acknowledged.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// Notify counts lifecycle events that happen outside of service calls.
func (m *Metrics) Notify(ctx context.Context, event events.Event) error {
	attrs := metric.WithAttributes(attribute.String("queue", event.Queue()))
	switch e := event.(type) {
	case events.QueueCreated:
		m.queuesCurrent.Add(ctx, 1)
	case events.QueueDeleted:
		m.queuesCurrent.Add(ctx, -1)
	case events.MessageRequeued:
		m.requeued.Add(ctx, 1, attrs)
	case events.MessageDeadLettered:
		m.deadLettered.Add(ctx, 1, attrs)
	case events.MessageDropped:
		m.dropped.Add(ctx, 1, attrs)
	case events.QueueCompacted:
		m.compactions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("queue", e.QueueName),
			attribute.Bool("periodic", e.Periodic),
		))
	}
	return nil
}

// Close is a no-op; the meter provider owns the instruments.
func (m *Metrics) Close() error {
	return nil
}
