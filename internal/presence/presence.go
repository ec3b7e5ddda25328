// Package presence 在线状态与编辑软锁。条目仅作提示：now-LastSeenAt < TTL 时可见，
// 丢失的更新在一个 TTL 周期内由心跳自愈。
package presence

import (
	"context"
	"sort"
	"time"

	"github.com/d60-Lab/crm-realtime/internal/model"
)

const (
	DefaultTTL           = 90 * time.Second
	DefaultIndexTTL      = 120 * time.Second
	DefaultSweepInterval = 15 * time.Second
)

// Registry 在线连接登记（每条连接一条记录）
type Registry interface {
	Upsert(ctx context.Context, rec model.PresenceRecord) error
	// Heartbeat 刷新 LastSeenAt，update 非空时同时替换上下文；未知连接返回 nil
	Heartbeat(ctx context.Context, connID string, update *model.PresenceContext) (*model.PresenceRecord, error)
	Remove(ctx context.Context, connID string) (*model.PresenceRecord, error)
	Get(ctx context.Context, connID string) (*model.PresenceRecord, error)
	ListGlobal(ctx context.Context) ([]model.PresenceRecord, error)
	ListByProject(ctx context.Context, projectID int64) ([]model.PresenceRecord, error)
	ListByEntity(ctx context.Context, entityType string, entityID int64) ([]model.PresenceRecord, error)
	ListByUser(ctx context.Context, userID int64) ([]model.PresenceRecord, error)
}

// EditingRegistry 软锁登记：(entityType, entityID) -> 多个用户
type EditingRegistry interface {
	Start(ctx context.Context, entityType string, entityID int64, entry model.EditingEntry) error
	Heartbeat(ctx context.Context, entityType string, entityID int64, userID int64) (bool, error)
	Stop(ctx context.Context, entityType string, entityID int64, userID int64) (*model.EditingEntry, error)
	List(ctx context.Context, entityType string, entityID int64) ([]model.EditingEntry, error)
}

// Options 两种后端共用
type Options struct {
	TTL           time.Duration
	IndexTTL      time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.IndexTTL < o.TTL {
		o.IndexTTL = DefaultIndexTTL
		if o.IndexTTL < o.TTL {
			o.IndexTTL = o.TTL
		}
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// IsUserOnline 至少一条存活连接即在线
func IsUserOnline(ctx context.Context, r Registry, userID int64) (bool, error) {
	recs, err := r.ListByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// DistinctUsers 按用户去重，保留最近活跃的连接
func DistinctUsers(recs []model.PresenceRecord) []model.PresenceRecord {
	latest := make(map[int64]model.PresenceRecord, len(recs))
	for _, r := range recs {
		if cur, ok := latest[r.UserID]; !ok || r.LastSeenAt.After(cur.LastSeenAt) {
			latest[r.UserID] = r
		}
	}
	out := make([]model.PresenceRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func sortRecords(recs []model.PresenceRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].UserID != recs[j].UserID {
			return recs[i].UserID < recs[j].UserID
		}
		return recs[i].ConnectionID < recs[j].ConnectionID
	})
}

func sortEntries(entries []model.EditingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].StartedAt.Equal(entries[j].StartedAt) {
			return entries[i].StartedAt.Before(entries[j].StartedAt)
		}
		return entries[i].UserID < entries[j].UserID
	})
}

func inProject(r model.PresenceRecord, projectID int64) bool {
	return r.Context.ProjectID != nil && *r.Context.ProjectID == projectID
}

func onEntity(r model.PresenceRecord, entityType string, entityID int64) bool {
	return r.Context.HasEntity() && r.Context.EntityType == entityType && *r.Context.EntityID == entityID
}
