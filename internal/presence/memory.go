package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/crm-realtime/internal/model"
	"github.com/d60-Lab/crm-realtime/pkg/logger"
)

// MemoryRegistry 进程内实现，仅适用于单实例部署
type MemoryRegistry struct {
	opts  Options
	mu    sync.RWMutex
	conns map[string]model.PresenceRecord
}

func NewMemoryRegistry(opts Options) *MemoryRegistry {
	return &MemoryRegistry{opts: opts.withDefaults(), conns: make(map[string]model.PresenceRecord)}
}

func (m *MemoryRegistry) Upsert(_ context.Context, rec model.PresenceRecord) error {
	if rec.ConnectionID == "" {
		return fmt.Errorf("presence: empty connection id")
	}
	rec.LastSeenAt = m.opts.Now()
	m.mu.Lock()
	m.conns[rec.ConnectionID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryRegistry) Heartbeat(_ context.Context, connID string, update *model.PresenceContext) (*model.PresenceRecord, error) {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[connID]
	if !ok || !rec.Alive(now, m.opts.TTL) {
		delete(m.conns, connID)
		return nil, nil
	}
	rec.LastSeenAt = now
	if update != nil {
		rec.Context = *update
	}
	m.conns[connID] = rec
	return &rec, nil
}

func (m *MemoryRegistry) Remove(_ context.Context, connID string) (*model.PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[connID]
	if !ok {
		return nil, nil
	}
	delete(m.conns, connID)
	if !rec.Alive(m.opts.Now(), m.opts.TTL) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryRegistry) Get(_ context.Context, connID string) (*model.PresenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.conns[connID]
	if !ok || !rec.Alive(m.opts.Now(), m.opts.TTL) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryRegistry) list(match func(model.PresenceRecord) bool) []model.PresenceRecord {
	now := m.opts.Now()
	m.mu.RLock()
	out := make([]model.PresenceRecord, 0, len(m.conns))
	for _, rec := range m.conns {
		if rec.Alive(now, m.opts.TTL) && match(rec) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()
	sortRecords(out)
	return out
}

func (m *MemoryRegistry) ListGlobal(context.Context) ([]model.PresenceRecord, error) {
	return m.list(func(model.PresenceRecord) bool { return true }), nil
}

func (m *MemoryRegistry) ListByProject(_ context.Context, projectID int64) ([]model.PresenceRecord, error) {
	return m.list(func(r model.PresenceRecord) bool { return inProject(r, projectID) }), nil
}

func (m *MemoryRegistry) ListByEntity(_ context.Context, entityType string, entityID int64) ([]model.PresenceRecord, error) {
	return m.list(func(r model.PresenceRecord) bool { return onEntity(r, entityType, entityID) }), nil
}

func (m *MemoryRegistry) ListByUser(_ context.Context, userID int64) ([]model.PresenceRecord, error) {
	return m.list(func(r model.PresenceRecord) bool { return r.UserID == userID }), nil
}

// Sweep 清理过期连接，返回清理数量
func (m *MemoryRegistry) Sweep() int {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.conns {
		if !rec.Alive(now, m.opts.TTL) {
			delete(m.conns, id)
			n++
		}
	}
	return n
}

// Len 原始条目数（含未清理的过期项）
func (m *MemoryRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

type entityKey struct {
	entityType string
	entityID   int64
}

// MemoryEditing 进程内软锁登记
type MemoryEditing struct {
	opts    Options
	mu      sync.Mutex
	editing map[entityKey]map[int64]model.EditingEntry
}

func NewMemoryEditing(opts Options) *MemoryEditing {
	return &MemoryEditing{opts: opts.withDefaults(), editing: make(map[entityKey]map[int64]model.EditingEntry)}
}

func (m *MemoryEditing) Start(_ context.Context, entityType string, entityID int64, entry model.EditingEntry) error {
	now := m.opts.Now()
	k := entityKey{entityType, entityID}
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.editing[k]
	if users == nil {
		users = make(map[int64]model.EditingEntry)
		m.editing[k] = users
	}
	if prev, ok := users[entry.UserID]; ok && prev.Alive(now, m.opts.TTL) {
		entry.StartedAt = prev.StartedAt
	} else {
		entry.StartedAt = now
	}
	entry.LastSeenAt = now
	users[entry.UserID] = entry
	return nil
}

func (m *MemoryEditing) Heartbeat(_ context.Context, entityType string, entityID int64, userID int64) (bool, error) {
	now := m.opts.Now()
	k := entityKey{entityType, entityID}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.editing[k][userID]
	if !ok || !entry.Alive(now, m.opts.TTL) {
		return false, nil
	}
	entry.LastSeenAt = now
	m.editing[k][userID] = entry
	return true, nil
}

func (m *MemoryEditing) Stop(_ context.Context, entityType string, entityID int64, userID int64) (*model.EditingEntry, error) {
	k := entityKey{entityType, entityID}
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.editing[k]
	entry, ok := users[userID]
	if !ok {
		return nil, nil
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(m.editing, k)
	}
	if !entry.Alive(m.opts.Now(), m.opts.TTL) {
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryEditing) List(_ context.Context, entityType string, entityID int64) ([]model.EditingEntry, error) {
	now := m.opts.Now()
	m.mu.Lock()
	users := m.editing[entityKey{entityType, entityID}]
	out := make([]model.EditingEntry, 0, len(users))
	for _, e := range users {
		if e.Alive(now, m.opts.TTL) {
			out = append(out, e)
		}
	}
	m.mu.Unlock()
	sortEntries(out)
	return out, nil
}

// Sweep 清理过期软锁
func (m *MemoryEditing) Sweep() int {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, users := range m.editing {
		for uid, e := range users {
			if !e.Alive(now, m.opts.TTL) {
				delete(users, uid)
				n++
			}
		}
		if len(users) == 0 {
			delete(m.editing, k)
		}
	}
	return n
}

// sweeper 周期清理任务（仅内存后端需要）
type sweeper struct {
	interval time.Duration
	targets  []interface{ Sweep() int }
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func (s *sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := 0
				for _, t := range s.targets {
					n += t.Sweep()
				}
				if n > 0 {
					logger.Debug("presence: swept expired entries", zap.Int("count", n))
				}
			}
		}
	}()
}

func (s *sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
