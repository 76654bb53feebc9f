// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/corinth/events"
	"github.com/absmach/corinth/queue/storage"
	logstore "github.com/absmach/corinth/queue/storage/log"
	"github.com/absmach/corinth/queue/types"
)

// QueuesDir is the directory under the base directory that holds one
// sub-directory per persistent queue.
const QueuesDir = "queues"

// Config holds configuration for the queue manager.
type Config struct {
	// BaseDir is the data directory. Persistent queues live in BaseDir/queues.
	BaseDir string

	// TimeUnit converts queue time settings into durations. Defaults to one second.
	TimeUnit time.Duration

	// CompactionInterval is the period of automatic compaction. Zero disables it.
	CompactionInterval time.Duration

	// SyncWrites fsyncs every appended record.
	SyncWrites bool

	// Notifier receives lifecycle events. Optional.
	Notifier events.Notifier

	Logger *slog.Logger
}

// Manager owns every queue of the process and the timers that drive them.
type Manager struct {
	queuesDir string
	storeOpts logstore.Options
	queues    map[string]*Queue
	mu        sync.RWMutex
	scheduler *Scheduler
	env       *env
	notifier  events.Notifier
	logger    *slog.Logger
	ready     atomic.Bool
	stopOnce  sync.Once
}

// NewManager creates a new queue manager. Call Recover to load queues stored
// on disk.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("base directory cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeUnit := cfg.TimeUnit
	if timeUnit <= 0 {
		timeUnit = time.Second
	}

	m := &Manager{
		queuesDir: filepath.Join(cfg.BaseDir, QueuesDir),
		storeOpts: logstore.Options{SyncWrites: cfg.SyncWrites},
		queues:    make(map[string]*Queue),
		scheduler: NewScheduler(),
		notifier:  cfg.Notifier,
		logger:    logger,
	}

	m.env = &env{
		scheduler:       m.scheduler,
		timeUnit:        timeUnit,
		compactInterval: cfg.CompactionInterval,
		logger:          logger,
		now:             time.Now,
		deadLetter:      m.transplant,
		notify:          m.notify,
	}

	return m, nil
}

// Recover loads every queue found under the queues directory. Entries that
// are not queue directories are skipped. A queue that cannot be loaded
// aborts recovery.
func (m *Manager) Recover(ctx context.Context) error {
	if err := os.MkdirAll(m.queuesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create queues directory: %w", err)
	}

	entries, err := os.ReadDir(m.queuesDir)
	if err != nil {
		return fmt.Errorf("failed to read queues directory: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := entry.Name()
		dir := filepath.Join(m.queuesDir, name)

		if !entry.IsDir() {
			m.logger.Warn("skipping non-directory entry in queues directory", slog.String("path", dir))
			continue
		}
		if err := types.ValidateName(name); err != nil {
			m.logger.Warn("skipping directory with invalid queue name", slog.String("path", dir))
			continue
		}
		if !logstore.HasMeta(dir) {
			m.logger.Warn("skipping queue directory without metadata", slog.String("path", dir))
			continue
		}

		st, err := logstore.Open(dir, m.storeOpts)
		if err != nil {
			return fmt.Errorf("failed to open queue %s: %w", name, err)
		}

		q, err := openQueue(name, st, m.env)
		if err != nil {
			st.Close()
			return fmt.Errorf("failed to recover queue %s: %w", name, err)
		}

		m.mu.Lock()
		m.queues[name] = q
		m.mu.Unlock()
		q.scheduleCompaction()

		m.logger.Info("queue recovered",
			slog.String("queue", name),
			slog.Int("size", q.Size()))
	}

	m.ready.Store(true)
	return nil
}

// Ready reports whether recovery finished and the manager is not stopped.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// Stop stops all timers and closes every queue.
func (m *Manager) Stop() error {
	var errs []error
	m.stopOnce.Do(func() {
		m.ready.Store(false)
		m.scheduler.Stop()

		m.mu.Lock()
		defer m.mu.Unlock()
		for name, q := range m.queues {
			if err := q.close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close queue %s: %w", name, err))
			}
		}
	})
	return errors.Join(errs...)
}

// create registers a new queue.
func (m *Manager) create(cfg types.QueueConfig) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[cfg.Name]; ok {
		return nil, storage.ErrQueueAlreadyExists
	}
	if cfg.DeadLetter != nil {
		if _, ok := m.queues[cfg.DeadLetter.Name]; !ok {
			return nil, ErrDeadLetterNotFound
		}
	}

	var st storage.Log
	if cfg.Persistent {
		s, err := logstore.Open(filepath.Join(m.queuesDir, cfg.Name), m.storeOpts)
		if err != nil {
			return nil, err
		}
		st = s
	}

	q, err := newQueue(cfg, st, m.env)
	if err != nil {
		if st != nil {
			st.Remove()
		}
		return nil, fmt.Errorf("failed to create queue %s: %w", cfg.Name, err)
	}

	m.queues[cfg.Name] = q
	q.scheduleCompaction()

	return q, nil
}

// Queue returns the queue with the given name.
func (m *Manager) Queue(name string) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[name]
	if !ok {
		return nil, storage.ErrQueueNotFound
	}
	return q, nil
}

// Queues returns all queues sorted by name.
func (m *Manager) Queues() []*Queue {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	slices.SortFunc(queues, func(a, b *Queue) int {
		return strings.Compare(a.name, b.name)
	})
	return queues
}

// remove deletes a queue and its storage. Queues used as a dead letter
// target by another queue cannot be removed.
func (m *Manager) remove(name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		return 0, storage.ErrQueueNotFound
	}
	if m.isDeadLetterTarget(name) {
		return 0, ErrDeadLetterTarget
	}

	dropped, err := q.Purge(true)
	if err != nil {
		return 0, fmt.Errorf("failed to delete queue %s: %w", name, err)
	}
	delete(m.queues, name)

	return dropped, nil
}

func (m *Manager) notify(ev events.Event) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(context.Background(), ev); err != nil {
		m.logger.Warn("failed to notify event",
			slog.String("event_type", ev.Type()),
			slog.String("queue", ev.Queue()),
			slog.Any("error", err))
	}
}
