// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package log

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/absmach/corinth/queue/storage"
	"github.com/absmach/corinth/queue/types"
)

// File names inside a queue directory.
const (
	ItemsFile = "items.jsonl"
	TempFile  = "items~.jsonl"
	MetaFile  = "meta.json"
)

// DeletedKey marks a tombstone record.
const DeletedKey = "$corinth_deleted"

var _ storage.Log = (*Store)(nil)

// Options configures a Store.
type Options struct {
	// SyncWrites fsyncs the record log after every append.
	SyncWrites bool
}

// Store is a JSON-lines record log plus a metadata document, kept together in
// one directory per queue.
type Store struct {
	dir   string
	opts  Options
	items *os.File // lazily opened append handle
}

type tombstone struct {
	Deleted string `json:"$corinth_deleted"`
}

type probe struct {
	Deleted *string `json:"$corinth_deleted"`
}

// Open prepares the queue directory and returns its store.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	return &Store{dir: dir, opts: opts}, nil
}

// HasMeta reports whether dir contains a metadata document.
func HasMeta(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, MetaFile))
	return err == nil && info.Mode().IsRegular()
}

// Dir returns the queue directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) itemsPath() string { return filepath.Join(s.dir, ItemsFile) }
func (s *Store) tempPath() string  { return filepath.Join(s.dir, TempFile) }
func (s *Store) metaPath() string  { return filepath.Join(s.dir, MetaFile) }

// Append writes a live record for msg.
func (s *Store) Append(msg *types.Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	return s.appendLine(line)
}

// AppendTombstone writes a deletion record for id.
func (s *Store) AppendTombstone(id string) error {
	line, err := json.Marshal(tombstone{Deleted: id})
	if err != nil {
		return fmt.Errorf("failed to encode tombstone %s: %w", id, err)
	}
	return s.appendLine(line)
}

func (s *Store) appendLine(line []byte) error {
	if s.items == nil {
		f, err := os.OpenFile(s.itemsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open record log: %w", err)
		}
		s.items = f
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := s.items.Write(buf); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}

	if s.opts.SyncWrites {
		if err := s.items.Sync(); err != nil {
			return fmt.Errorf("failed to sync record log: %w", err)
		}
	}

	return nil
}

// Replay reads the record log and rebuilds the live list.
//
// A live record is pushed to the tail. A tombstone pops the head: deletions
// are only ever issued for the current head, so tombstones appear in the
// same relative order as the records they remove. A tombstone that does not
// match the head means that ordering was broken and the log is rejected.
func (s *Store) Replay() ([]*types.Message, error) {
	f, err := os.Open(s.itemsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open record log: %w", err)
	}
	defer f.Close()

	return replay(f)
}

func replay(r io.Reader) ([]*types.Message, error) {
	var items []*types.Message
	reader := bufio.NewReader(r)

	for lineNo := 1; ; lineNo++ {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, fmt.Errorf("failed to read record log: %w", readErr)
		}

		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var p probe
			if err := json.Unmarshal(line, &p); err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", storage.ErrCorruptLog, lineNo, err)
			}

			if p.Deleted != nil {
				if len(items) == 0 {
					return nil, fmt.Errorf("%w: line %d: tombstone %s on empty log", storage.ErrCorruptLog, lineNo, *p.Deleted)
				}
				if items[0].ID != *p.Deleted {
					return nil, fmt.Errorf("%w: line %d: tombstone %s does not match head %s", storage.ErrCorruptLog, lineNo, *p.Deleted, items[0].ID)
				}
				items[0] = nil
				items = items[1:]
			} else {
				var msg types.Message
				if err := json.Unmarshal(line, &msg); err != nil {
					return nil, fmt.Errorf("%w: line %d: %v", storage.ErrCorruptLog, lineNo, err)
				}
				items = append(items, &msg)
			}
		}

		if readErr == io.EOF {
			break
		}
	}

	return items, nil
}

// Compact replays the record log, writes the live records to the temp file
// and renames it over the record log.
func (s *Store) Compact() ([]*types.Message, error) {
	if _, err := os.Stat(s.itemsPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat record log: %w", err)
	}

	items, err := s.Replay()
	if err != nil {
		return nil, err
	}

	if err := s.writeTemp(items); err != nil {
		return nil, err
	}

	if err := s.closeItems(); err != nil {
		return nil, err
	}

	if err := os.Rename(s.tempPath(), s.itemsPath()); err != nil {
		return nil, fmt.Errorf("failed to swap compacted log: %w", err)
	}

	return items, nil
}

func (s *Store) writeTemp(items []*types.Message) error {
	f, err := os.Create(s.tempPath())
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, msg := range items {
		line, err := json.Marshal(msg)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write compaction file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync compaction file: %w", err)
	}

	return f.Close()
}

// WriteMeta overwrites the metadata document.
func (s *Store) WriteMeta(meta *types.Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	if err := os.WriteFile(s.metaPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// ReadMeta loads the metadata document.
func (s *Store) ReadMeta() (*types.Meta, error) {
	data, err := os.ReadFile(s.metaPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrMetaNotFound
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta types.Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &meta, nil
}

// RemoveItems deletes the record log and keeps the metadata.
func (s *Store) RemoveItems() error {
	if err := s.closeItems(); err != nil {
		return err
	}

	if err := os.Remove(s.itemsPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove record log: %w", err)
	}

	return nil
}

// Remove deletes the whole queue directory.
func (s *Store) Remove() error {
	if err := s.closeItems(); err != nil {
		return err
	}

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove queue directory: %w", err)
	}

	return nil
}

// Size returns the combined size of the record log and metadata.
func (s *Store) Size() (int64, error) {
	var total int64
	for _, path := range []string{s.itemsPath(), s.metaPath()} {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// Close releases the append handle.
func (s *Store) Close() error {
	return s.closeItems()
}

func (s *Store) closeItems() error {
	if s.items == nil {
		return nil
	}
	err := s.items.Close()
	s.items = nil
	if err != nil {
		return fmt.Errorf("failed to close record log: %w", err)
	}
	return nil
}
