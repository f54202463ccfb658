// Package logbuf stores per-task ordered log buffers.
//
// Buffers are append-only and unbounded by default; the only eviction
// paths are an operator-issued clear and an optional per-task cap.
// Buffer order is stream arrival order and is never rewritten.
package logbuf

import (
	"sort"
	"sync"

	"github.com/dshills/taskwatch/internal/task"
)

// Store maps task ids to ordered log record sequences. Buffers are
// created lazily on first append and removed entirely by Clear.
type Store struct {
	buffers    map[string][]task.LogRecord
	maxPerTask int
	mu         sync.RWMutex
}

// Option configures a Store.
type Option func(*Store)

// WithMaxPerTask caps each task's buffer at n records, dropping the
// oldest once the cap is exceeded. Zero or negative keeps buffers
// unbounded, which is the default.
func WithMaxPerTask(n int) Option {
	return func(s *Store) {
		s.maxPerTask = n
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		buffers: make(map[string][]task.LogRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds a record to the task's buffer, creating the buffer if
// absent. Records are kept in append order.
func (s *Store) Append(taskID string, rec task.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := append(s.buffers[taskID], rec)
	if s.maxPerTask > 0 && len(recs) > s.maxPerTask {
		recs = recs[len(recs)-s.maxPerTask:]
	}
	s.buffers[taskID] = recs
}

// Get returns a copy of the task's buffer in arrival order.
// Returns nil for a task with no buffer.
func (s *Store) Get(taskID string) []task.LogRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, ok := s.buffers[taskID]
	if !ok {
		return nil
	}

	result := make([]task.LogRecord, len(recs))
	copy(result, recs)
	return result
}

// Last returns a copy of the last n records for the task.
func (s *Store) Last(taskID string, n int) []task.LogRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.buffers[taskID]
	if n <= 0 || len(recs) == 0 {
		return nil
	}

	if n >= len(recs) {
		result := make([]task.LogRecord, len(recs))
		copy(result, recs)
		return result
	}

	start := len(recs) - n
	result := make([]task.LogRecord, n)
	copy(result, recs[start:])
	return result
}

// Count returns the number of records buffered for the task.
func (s *Store) Count(taskID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers[taskID])
}

// Tasks returns the ids of all tasks with a buffer, sorted.
func (s *Store) Tasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear removes the task's buffer entirely. A subsequent Append
// recreates a fresh sequence; the old records are unrecoverable.
func (s *Store) Clear(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, taskID)
}
