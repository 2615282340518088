// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Observer receives storage operation measurements.
// *metrics.Metrics satisfies it.
type Observer interface {
	RecordStorageOperation(operation, status string, duration time.Duration)
	RecordStorageError(operation, errorType string)
}

type nopObserver struct{}

func (nopObserver) RecordStorageOperation(string, string, time.Duration) {}
func (nopObserver) RecordStorageError(string, string)                    {}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used by the store
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver sets the storage metrics observer
func WithObserver(o Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.observer = o
		}
	}
}

// Store is a durable string-to-string map backed by an append-only log file.
//
// Every accepted write is appended as one "key:value\n" line and fsynced
// before Write returns. On Open the log is replayed in order so the last
// record for a key wins. A single mutex serializes the map update and the
// file append, so the order of lines in the file matches the order in
// which writes became visible.
type Store struct {
	mu      sync.Mutex
	data    map[string]string
	file    *os.File
	path    string
	closed  bool
	records int64

	logger   *zap.Logger
	observer Observer
}

// Open opens (creating if necessary) the log at path and replays it.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		data:     make(map[string]string),
		path:     path,
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create directory %s: %w", ErrStorage, dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorage, path, err)
	}
	s.file = f

	start := time.Now()
	skipped, err := s.replay()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := s.repairTail(); err != nil {
		f.Close()
		return nil, err
	}

	s.observer.RecordStorageOperation("replay", "success", time.Since(start))
	s.logger.Info("store opened",
		zap.String("path", path),
		zap.Int("keys", len(s.data)),
		zap.Int64("records", s.records),
		zap.Int("skipped_lines", skipped),
		zap.Duration("duration", time.Since(start)))

	return s, nil
}

// replay 从头读取日志并重建内存映射，返回跳过的非法行数
func (s *Store) replay() (int, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: seek %s: %w", ErrStorage, s.path, err)
	}

	reader := bufio.NewReader(s.file)
	skipped := 0
	lineNo := 0
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			lineNo++
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			if key, value, ok := parseRecord(line); ok {
				s.data[key] = value
				s.records++
			} else {
				skipped++
				s.logger.Debug("skipping malformed record",
					zap.String("path", s.path),
					zap.Int("line", lineNo))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.observer.RecordStorageError("replay", "read")
			return skipped, fmt.Errorf("%w: read %s: %w", ErrStorage, s.path, err)
		}
	}
	return skipped, nil
}

// repairTail 如果日志最后一个字节不是换行（上次写入被截断），补一个换行，
// 保证后续追加的记录从新的一行开始
func (s *Store) repairTail() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrStorage, s.path, err)
	}
	if info.Size() == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := s.file.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("%w: read tail %s: %w", ErrStorage, s.path, err)
	}
	if last[0] == '\n' {
		return nil
	}

	s.logger.Warn("log does not end with newline, terminating torn record", zap.String("path", s.path))
	if _, err := s.file.WriteString("\n"); err != nil {
		return fmt.Errorf("%w: repair tail %s: %w", ErrStorage, s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrStorage, s.path, err)
	}
	return nil
}

// Write records key -> value. It returns only after the record is durable.
// On a storage error the in-memory value may already reflect the write.
func (s *Store) Write(key, value string) error {
	if err := ValidateRecord(key, value); err != nil {
		s.observer.RecordStorageError("write", "validation")
		return err
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.observer.RecordStorageError("write", "closed")
		return ErrClosed
	}

	s.data[key] = value

	if _, err := s.file.WriteString(formatRecord(key, value)); err != nil {
		s.observer.RecordStorageError("write", "append")
		s.observer.RecordStorageOperation("write", "error", time.Since(start))
		s.logger.Error("append failed", zap.String("path", s.path), zap.Error(err))
		return fmt.Errorf("%w: append %s: %w", ErrStorage, s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		s.observer.RecordStorageError("write", "sync")
		s.observer.RecordStorageOperation("write", "error", time.Since(start))
		s.logger.Error("sync failed", zap.String("path", s.path), zap.Error(err))
		return fmt.Errorf("%w: sync %s: %w", ErrStorage, s.path, err)
	}

	s.records++
	s.observer.RecordStorageOperation("write", "success", time.Since(start))
	return nil
}

// Read returns the current value of key.
func (s *Store) Read(key string) (string, bool) {
	start := time.Now()
	s.mu.Lock()
	value, ok := s.data[key]
	s.mu.Unlock()

	status := "hit"
	if !ok {
		status = "miss"
	}
	s.observer.RecordStorageOperation("read", status, time.Since(start))
	return value, ok
}

// Len returns the number of distinct keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Records returns the number of records in the log, including superseded ones.
func (s *Store) Records() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records
}

// Path returns the log file path.
func (s *Store) Path() string {
	return s.path
}

// Check reports whether the log file is still usable.
func (s *Store) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := s.file.Stat(); err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrStorage, s.path, err)
	}
	return nil
}

// Close syncs and closes the log. Reads keep working on the in-memory map.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	if err := errors.Join(syncErr, closeErr); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrStorage, s.path, err)
	}

	s.logger.Info("store closed", zap.String("path", s.path), zap.Int64("records", s.records))
	return nil
}
