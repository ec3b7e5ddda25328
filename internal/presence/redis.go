package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/d60-Lab/crm-realtime/internal/coordinator"
	"github.com/d60-Lab/crm-realtime/internal/model"
	"github.com/d60-Lab/crm-realtime/pkg/logger"
)

// RedisRegistry 多实例共享的在线登记
//
// 明细：presence:conn:{connId}（TTL）
// 反向索引（集合，IndexTTL）：presence:global / presence:user:{uid} /
// presence:project:{pid} / presence:entity:{type}:{id}
type RedisRegistry struct {
	coord *coordinator.Coordinator
	opts  Options
}

func NewRedisRegistry(coord *coordinator.Coordinator, opts Options) *RedisRegistry {
	return &RedisRegistry{coord: coord, opts: opts.withDefaults()}
}

func (r *RedisRegistry) connKey(connID string) string { return r.coord.Key("presence", "conn", connID) }
func (r *RedisRegistry) globalSet() string           { return r.coord.Key("presence", "global") }
func (r *RedisRegistry) userSet(uid int64) string {
	return r.coord.Key("presence", "user", strconv.FormatInt(uid, 10))
}
func (r *RedisRegistry) projectSet(pid int64) string {
	return r.coord.Key("presence", "project", strconv.FormatInt(pid, 10))
}
func (r *RedisRegistry) entitySet(entityType string, entityID int64) string {
	return r.coord.Key("presence", "entity", entityType, strconv.FormatInt(entityID, 10))
}

// indexSets 记录当前应出现在哪些索引集合中
func (r *RedisRegistry) indexSets(rec model.PresenceRecord) []string {
	sets := []string{r.globalSet(), r.userSet(rec.UserID)}
	if rec.Context.ProjectID != nil {
		sets = append(sets, r.projectSet(*rec.Context.ProjectID))
	}
	if rec.Context.HasEntity() {
		sets = append(sets, r.entitySet(rec.Context.EntityType, *rec.Context.EntityID))
	}
	return sets
}

func (r *RedisRegistry) write(ctx context.Context, rec model.PresenceRecord, prev *model.PresenceRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	next := r.indexSets(rec)
	var stale []string
	if prev != nil {
		stale = difference(r.indexSets(*prev), next)
	}
	return r.coord.PutIndexed(ctx, coordinator.IndexedWrite{
		Key:      r.connKey(rec.ConnectionID),
		Value:    b,
		TTL:      r.opts.TTL,
		Member:   rec.ConnectionID,
		Add:      next,
		Remove:   stale,
		IndexTTL: r.opts.IndexTTL,
	})
}

func (r *RedisRegistry) Upsert(ctx context.Context, rec model.PresenceRecord) error {
	if rec.ConnectionID == "" {
		return fmt.Errorf("presence: empty connection id")
	}
	prev, err := r.Get(ctx, rec.ConnectionID)
	if err != nil {
		return err
	}
	rec.LastSeenAt = r.opts.Now()
	return r.write(ctx, rec, prev)
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, connID string, update *model.PresenceContext) (*model.PresenceRecord, error) {
	prev, err := r.Get(ctx, connID)
	if err != nil || prev == nil {
		return nil, err
	}
	rec := *prev
	rec.LastSeenAt = r.opts.Now()
	if update != nil {
		rec.Context = *update
	}
	if err := r.write(ctx, rec, prev); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisRegistry) Remove(ctx context.Context, connID string) (*model.PresenceRecord, error) {
	prev, err := r.Get(ctx, connID)
	if err != nil {
		return nil, err
	}
	sets := []string{r.globalSet()}
	if prev != nil {
		sets = r.indexSets(*prev)
	}
	if err := r.coord.DeleteIndexed(ctx, r.connKey(connID), connID, sets...); err != nil {
		return nil, err
	}
	return prev, nil
}

func (r *RedisRegistry) Get(ctx context.Context, connID string) (*model.PresenceRecord, error) {
	b, err := r.coord.Get(ctx, r.connKey(connID))
	if err != nil || b == nil {
		return nil, err
	}
	var rec model.PresenceRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("presence: decode %s: %w", connID, err)
	}
	if !rec.Alive(r.opts.Now(), r.opts.TTL) {
		return nil, nil
	}
	return &rec, nil
}

// list 读取集合成员明细；悬挂成员（明细已过期或不再匹配）顺手移除
func (r *RedisRegistry) list(ctx context.Context, set string, match func(model.PresenceRecord) bool) ([]model.PresenceRecord, error) {
	members, err := r.coord.Members(ctx, set)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []model.PresenceRecord{}, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = r.connKey(m)
	}
	vals, err := r.coord.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}

	now := r.opts.Now()
	out := make([]model.PresenceRecord, 0, len(vals))
	var dangling []string
	for i, b := range vals {
		var rec model.PresenceRecord
		if b == nil || json.Unmarshal(b, &rec) != nil || !rec.Alive(now, r.opts.TTL) || !match(rec) {
			dangling = append(dangling, members[i])
			continue
		}
		out = append(out, rec)
	}
	r.heal(ctx, set, dangling)
	sortRecords(out)
	return out, nil
}

func (r *RedisRegistry) heal(ctx context.Context, set string, dangling []string) {
	for _, m := range dangling {
		if err := r.coord.Unindex(ctx, m, set); err != nil {
			logger.Debug("presence: self-heal failed", zap.String("set", set), zap.String("member", m), zap.Error(err))
			return
		}
	}
}

func (r *RedisRegistry) ListGlobal(ctx context.Context) ([]model.PresenceRecord, error) {
	return r.list(ctx, r.globalSet(), func(model.PresenceRecord) bool { return true })
}

func (r *RedisRegistry) ListByProject(ctx context.Context, projectID int64) ([]model.PresenceRecord, error) {
	return r.list(ctx, r.projectSet(projectID), func(rec model.PresenceRecord) bool { return inProject(rec, projectID) })
}

func (r *RedisRegistry) ListByEntity(ctx context.Context, entityType string, entityID int64) ([]model.PresenceRecord, error) {
	return r.list(ctx, r.entitySet(entityType, entityID), func(rec model.PresenceRecord) bool {
		return onEntity(rec, entityType, entityID)
	})
}

func (r *RedisRegistry) ListByUser(ctx context.Context, userID int64) ([]model.PresenceRecord, error) {
	return r.list(ctx, r.userSet(userID), func(rec model.PresenceRecord) bool { return rec.UserID == userID })
}

// RedisEditing 多实例共享的软锁登记
//
// 明细：editing:{type}:{id}:user:{uid}（TTL），集合：editing:{type}:{id}
type RedisEditing struct {
	coord *coordinator.Coordinator
	opts  Options
}

func NewRedisEditing(coord *coordinator.Coordinator, opts Options) *RedisEditing {
	return &RedisEditing{coord: coord, opts: opts.withDefaults()}
}

func (r *RedisEditing) set(entityType string, entityID int64) string {
	return r.coord.Key("editing", entityType, strconv.FormatInt(entityID, 10))
}

func (r *RedisEditing) entryKey(entityType string, entityID, userID int64) string {
	return r.coord.Key("editing", entityType, strconv.FormatInt(entityID, 10), "user", strconv.FormatInt(userID, 10))
}

func (r *RedisEditing) get(ctx context.Context, entityType string, entityID, userID int64) (*model.EditingEntry, error) {
	b, err := r.coord.Get(ctx, r.entryKey(entityType, entityID, userID))
	if err != nil || b == nil {
		return nil, err
	}
	var e model.EditingEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("editing: decode: %w", err)
	}
	if !e.Alive(r.opts.Now(), r.opts.TTL) {
		return nil, nil
	}
	return &e, nil
}

func (r *RedisEditing) put(ctx context.Context, entityType string, entityID int64, e model.EditingEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.coord.PutIndexed(ctx, coordinator.IndexedWrite{
		Key:      r.entryKey(entityType, entityID, e.UserID),
		Value:    b,
		TTL:      r.opts.TTL,
		Member:   strconv.FormatInt(e.UserID, 10),
		Add:      []string{r.set(entityType, entityID)},
		IndexTTL: r.opts.IndexTTL,
	})
}

func (r *RedisEditing) Start(ctx context.Context, entityType string, entityID int64, entry model.EditingEntry) error {
	prev, err := r.get(ctx, entityType, entityID, entry.UserID)
	if err != nil {
		return err
	}
	now := r.opts.Now()
	entry.StartedAt = now
	if prev != nil {
		entry.StartedAt = prev.StartedAt
	}
	entry.LastSeenAt = now
	return r.put(ctx, entityType, entityID, entry)
}

func (r *RedisEditing) Heartbeat(ctx context.Context, entityType string, entityID int64, userID int64) (bool, error) {
	prev, err := r.get(ctx, entityType, entityID, userID)
	if err != nil || prev == nil {
		return false, err
	}
	prev.LastSeenAt = r.opts.Now()
	if err := r.put(ctx, entityType, entityID, *prev); err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisEditing) Stop(ctx context.Context, entityType string, entityID int64, userID int64) (*model.EditingEntry, error) {
	prev, err := r.get(ctx, entityType, entityID, userID)
	if err != nil {
		return nil, err
	}
	err = r.coord.DeleteIndexed(ctx,
		r.entryKey(entityType, entityID, userID),
		strconv.FormatInt(userID, 10),
		r.set(entityType, entityID),
	)
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (r *RedisEditing) List(ctx context.Context, entityType string, entityID int64) ([]model.EditingEntry, error) {
	set := r.set(entityType, entityID)
	members, err := r.coord.Members(ctx, set)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []model.EditingEntry{}, nil
	}
	keys := make([]string, 0, len(members))
	valid := make([]string, 0, len(members))
	var dangling []string
	for _, m := range members {
		uid, perr := strconv.ParseInt(m, 10, 64)
		if perr != nil {
			dangling = append(dangling, m)
			continue
		}
		keys = append(keys, r.entryKey(entityType, entityID, uid))
		valid = append(valid, m)
	}
	vals, err := r.coord.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}

	now := r.opts.Now()
	out := make([]model.EditingEntry, 0, len(vals))
	for i, b := range vals {
		var e model.EditingEntry
		if b == nil || json.Unmarshal(b, &e) != nil || !e.Alive(now, r.opts.TTL) {
			dangling = append(dangling, valid[i])
			continue
		}
		out = append(out, e)
	}
	for _, m := range dangling {
		if err := r.coord.Unindex(ctx, m, set); err != nil {
			logger.Debug("editing: self-heal failed", zap.String("set", set), zap.Error(err))
			break
		}
	}
	sortEntries(out)
	return out, nil
}

func difference(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, s := range b {
		in[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := in[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
