// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/corinth/config"
	"github.com/absmach/corinth/events"
	"github.com/sony/gobreaker"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("webhook notifier closed")

var _ events.Notifier = (*Notifier)(nil)

// Notifier fans events out to configured endpoints through a bounded job
// queue served by a worker pool. Each endpoint has its own circuit breaker.
type Notifier struct {
	cfg       config.WebhookConfig
	serverID  string
	endpoints []endpoint
	jobs      chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger
	wg        sync.WaitGroup
	quit      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

type endpoint struct {
	name    string
	url     string
	events  map[string]bool
	queues  []string
	headers map[string]string
	timeout time.Duration
	retry   config.RetryConfig
}

type job struct {
	event    events.Event
	endpoint *endpoint
	attempt  int
}

// NewNotifier starts the worker pool for the configured endpoints.
func NewNotifier(cfg config.WebhookConfig, serverID string, sender Sender, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("webhook workers must be at least 1")
	}

	n := &Notifier{
		cfg:       cfg,
		serverID:  serverID,
		endpoints: make([]endpoint, 0, len(cfg.Endpoints)),
		jobs:      make(chan job, max(cfg.QueueSize, 1)),
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(cfg.Endpoints)),
		sender:    sender,
		logger:    logger,
		quit:      make(chan struct{}),
	}

	for _, ep := range cfg.Endpoints {
		e := endpoint{
			name:    ep.Name,
			url:     ep.URL,
			events:  make(map[string]bool, len(ep.Events)),
			queues:  ep.Queues,
			headers: ep.Headers,
			timeout: cfg.Defaults.Timeout,
			retry:   cfg.Defaults.Retry,
		}
		for _, t := range ep.Events {
			e.events[t] = true
		}
		if ep.Timeout > 0 {
			e.timeout = ep.Timeout
		}
		if ep.Retry != nil {
			e.retry = *ep.Retry
		}
		n.endpoints = append(n.endpoints, e)
		n.breakers[ep.Name] = n.newBreaker(ep.Name)
	}

	for range cfg.Workers {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cap(n.jobs)),
		slog.Int("endpoints", len(n.endpoints)))

	return n, nil
}

func (n *Notifier) newBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := uint32(max(n.cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     n.cfg.Defaults.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Warn("webhook circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// Notify queues the event for every matching endpoint without blocking.
// When the job queue is full the drop policy decides which job is lost.
func (n *Notifier) Notify(ctx context.Context, event events.Event) error {
	if n.closed.Load() {
		return ErrClosed
	}

	for i := range n.endpoints {
		ep := &n.endpoints[i]
		if !ep.matches(event) {
			continue
		}
		n.enqueue(job{event: event, endpoint: ep})
	}

	return nil
}

func (n *Notifier) enqueue(j job) {
	select {
	case n.jobs <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case old := <-n.jobs:
			n.logDropped(old)
		default:
		}
		select {
		case n.jobs <- j:
			return
		default:
		}
	}
	n.logDropped(j)
}

func (n *Notifier) logDropped(j job) {
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", j.event.Type()),
		slog.String("queue", j.event.Queue()),
		slog.String("endpoint", j.endpoint.name))
}

func (ep *endpoint) matches(event events.Event) bool {
	if len(ep.events) > 0 && !ep.events[event.Type()] {
		return false
	}
	if len(ep.queues) == 0 {
		return true
	}
	for _, pattern := range ep.queues {
		if ok, _ := path.Match(pattern, event.Queue()); ok {
			return true
		}
	}
	return false
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case j := <-n.jobs:
			n.process(j)
		case <-n.quit:
			// Drain what is already queued before exiting.
			for {
				select {
				case j := <-n.jobs:
					n.process(j)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) process(j job) {
	_, err := n.breakers[j.endpoint.name].Execute(func() (any, error) {
		return nil, n.send(j)
	})
	if err == nil {
		return
	}

	if j.attempt >= j.endpoint.retry.MaxAttempts-1 || n.closed.Load() {
		n.logger.Error("webhook delivery failed",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := retryDelay(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.closed.Load() {
			return
		}
		select {
		case n.jobs <- j:
		default:
			n.logDropped(j)
		}
	})
}

func (n *Notifier) send(j job) error {
	payload, err := json.Marshal(j.event.Wrap(n.serverID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := n.sender.Send(context.Background(), j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

// retryDelay is InitialInterval * Multiplier^attempt, capped at MaxInterval.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops accepting events and waits up to the shutdown timeout for
// queued deliveries to finish. Pending retries are abandoned.
func (n *Notifier) Close() error {
	n.closeOnce.Do(func() {
		n.logger.Info("shutting down webhook notifier")
		n.closed.Store(true)
		close(n.quit)

		done := make(chan struct{})
		go func() {
			n.wg.Wait()
			close(done)
		}()

		timeout := n.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		select {
		case <-done:
			n.logger.Info("webhook notifier stopped")
		case <-time.After(timeout):
			n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
				slog.Int("queue_depth", len(n.jobs)))
		}
	})
	return nil
}
