package taskstore

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"go.uber.org/zap"
)

type record struct {
	task      *a2a.Task
	createdAt time.Time
	updatedAt time.Time
}

// MemoryStore 基于 map 的 Store 实现
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*record
	byContext map[string][]string
	closed    bool
	stopCh    chan struct{}
	logger    *zap.Logger
	now       func() time.Time

	cleanupInterval time.Duration
	retention       time.Duration
}

// MemoryOption 配置 MemoryStore
type MemoryOption func(*MemoryStore)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(s *MemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock 替换时间源
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCleanup 周期性清理超过 retention 的终态任务
func WithCleanup(interval, retention time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
		s.retention = retention
	}
}

// NewMemoryStore 创建内存任务表
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		tasks:     make(map[string]*record),
		byContext: make(map[string][]string),
		stopCh:    make(chan struct{}),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "task_store"))
	if s.cleanupInterval > 0 && s.retention > 0 {
		go s.cleanupLoop(s.cleanupInterval, s.retention)
	}
	return s
}

// Create 实现 Store.Create
func (s *MemoryStore) Create(_ context.Context, task *a2a.Task) error {
	if task == nil || task.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.tasks[task.ID]; ok {
		return ErrAlreadyExists
	}

	now := s.now()
	s.tasks[task.ID] = &record{task: task.Clone(), createdAt: now, updatedAt: now}
	if task.ContextID != "" {
		s.byContext[task.ContextID] = append(s.byContext[task.ContextID], task.ID)
	}
	return nil
}

// Get 实现 Store.Get
func (s *MemoryStore) Get(_ context.Context, id string) (*a2a.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return rec.task.Clone(), true
}

// Save 实现 Store.Save
func (s *MemoryStore) Save(_ context.Context, task *a2a.Task) error {
	if task == nil || task.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	rec, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	rec.task = task.Clone()
	rec.updatedAt = s.now()
	return nil
}

// Update 实现 Store.Update
func (s *MemoryStore) Update(_ context.Context, id string, fn func(task *a2a.Task) error) (*a2a.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	working := rec.task.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	rec.task = working
	rec.updatedAt = s.now()
	return working.Clone(), nil
}

// FindByContext 实现 Store.FindByContext
func (s *MemoryStore) FindByContext(_ context.Context, contextID string) (*a2a.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byContext[contextID]
	for i := len(ids) - 1; i >= 0; i-- {
		if rec, ok := s.tasks[ids[i]]; ok {
			return rec.task.Clone(), true
		}
	}
	return nil, false
}

// Cleanup 实现 Store.Cleanup
func (s *MemoryStore) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := s.now().Add(-olderThan)
	count := 0
	for id, rec := range s.tasks {
		if !rec.task.Status.State.IsTerminal() || !rec.updatedAt.Before(cutoff) {
			continue
		}
		delete(s.tasks, id)
		s.dropContextRef(rec.task.ContextID, id)
		count++
	}
	if count > 0 {
		s.logger.Debug("cleaned up terminal tasks", zap.Int("count", count))
	}
	return count, nil
}

func (s *MemoryStore) dropContextRef(contextID, id string) {
	ids := s.byContext[contextID]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byContext, contextID)
		return
	}
	s.byContext[contextID] = ids
}

// Stats 实现 Store.Stats
func (s *MemoryStore) Stats(_ context.Context) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{StateCounts: make(map[a2a.TaskState]int), ContextCount: len(s.byContext)}
	for _, rec := range s.tasks {
		st.Total++
		st.StateCounts[rec.task.Status.State]++
	}
	return st
}

// Close 停止清理循环；之后的写操作返回 ErrStoreClosed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stopCh)
	}
	return nil
}

func (s *MemoryStore) cleanupLoop(interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background(), retention)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
