package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/crm-realtime/internal/model"
)

// DefaultMaxAttempts 超过该次数的事件进入死信
const DefaultMaxAttempts = 10

var (
	// ErrNotPending 事件已发布或已进入死信，状态不可再变更
	ErrNotPending = errors.New("outbox event is not pending")
)

// EnqueueParams 写入 outbox 所需字段
type EnqueueParams struct {
	EventType   string
	ScopeType   model.ScopeType
	ScopeID     *int64
	EntityType  string
	EntityID    int64
	Payload     model.JSONMap
	ActorUserID *int64
	ClientOpID  *string
}

// ScopeFilter 续传查询时客户端可见的范围：global 总是可见
type ScopeFilter struct {
	ProjectIDs []int64
	UserID     *int64
}

// OutboxRepository 事务外发盒仓储接口
type OutboxRepository interface {
	// Enqueue 在调用方事务内追加一行；tx 为 nil 时使用自身连接
	Enqueue(ctx context.Context, tx *gorm.DB, p EnqueueParams) (*model.OutboxEvent, error)

	// ClaimBatch 认领一批可投递事件（FOR UPDATE SKIP LOCKED），按 id 升序
	ClaimBatch(ctx context.Context, tx *gorm.DB, limit int) ([]model.OutboxEvent, error)

	MarkPublished(ctx context.Context, tx *gorm.DB, id int64) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id int64, nextAttemptAt time.Time, reason string) error
	MarkDeadLettered(ctx context.Context, tx *gorm.DB, id int64, reason string) error

	CountPending(ctx context.Context) (int64, error)
	OldestPendingAgeSeconds(ctx context.Context) (float64, error)
	CountDeadLettered(ctx context.Context) (int64, error)
	ListDeadLettered(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	Stats(ctx context.Context) (model.OutboxStats, error)

	// ListPublishedAfter 续传：返回游标之后已发布且在可见范围内的事件
	ListPublishedAfter(ctx context.Context, cursor int64, filter ScopeFilter, limit int) ([]model.OutboxEvent, error)

	// DeletePublishedOlderThan 保留期清理
	DeletePublishedOlderThan(ctx context.Context, days int) (int64, error)

	MaxAttempts() int
}

// OutboxOption 仓储选项
type OutboxOption func(*outboxRepository)

// WithMaxAttempts 设置最大投递次数
func WithMaxAttempts(n int) OutboxOption {
	return func(r *outboxRepository) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) OutboxOption {
	return func(r *outboxRepository) {
		if now != nil {
			r.now = now
		}
	}
}

type outboxRepository struct {
	db          *gorm.DB
	maxAttempts int
	now         func() time.Time
}

func NewOutboxRepository(db *gorm.DB, opts ...OutboxOption) OutboxRepository {
	r := &outboxRepository{db: db, maxAttempts: DefaultMaxAttempts, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *outboxRepository) MaxAttempts() int { return r.maxAttempts }

func (r *outboxRepository) clock() time.Time { return r.now().UTC() }

func (r *outboxRepository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

func (r *outboxRepository) Enqueue(ctx context.Context, tx *gorm.DB, p EnqueueParams) (*model.OutboxEvent, error) {
	if !p.ScopeType.Valid() {
		return nil, fmt.Errorf("enqueue outbox: invalid scope type %q", p.ScopeType)
	}
	if p.ScopeType != model.ScopeGlobal && p.ScopeID == nil {
		return nil, fmt.Errorf("enqueue outbox: scope %s requires scope id", p.ScopeType)
	}
	evt := &model.OutboxEvent{
		CreatedAt:   r.clock(),
		EventType:   p.EventType,
		ScopeType:   p.ScopeType,
		ScopeID:     p.ScopeID,
		EntityType:  p.EntityType,
		EntityID:    p.EntityID,
		Payload:     p.Payload,
		ActorUserID: p.ActorUserID,
		ClientOpID:  p.ClientOpID,
	}
	if err := r.conn(ctx, tx).Create(evt).Error; err != nil {
		return nil, fmt.Errorf("enqueue outbox: %w", err)
	}
	return evt, nil
}

func (r *outboxRepository) ClaimBatch(ctx context.Context, tx *gorm.DB, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := r.conn(ctx, tx).
		Where("published_at IS NULL AND dead_lettered_at IS NULL").
		Where("attempt_count < ?", r.maxAttempts).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", r.clock()).
		Order("id ASC").
		Limit(limit)
	if supportsSkipLocked(q) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var batch []model.OutboxEvent
	if err := q.Find(&batch).Error; err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	return batch, nil
}

// supportsSkipLocked SQLite 没有行锁，依赖单写者串行化
func supportsSkipLocked(db *gorm.DB) bool {
	switch db.Dialector.Name() {
	case "postgres", "mysql":
		return true
	}
	return false
}

func (r *outboxRepository) pendingRow(ctx context.Context, tx *gorm.DB, id int64) *gorm.DB {
	return r.conn(ctx, tx).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND published_at IS NULL AND dead_lettered_at IS NULL", id)
}

func (r *outboxRepository) MarkPublished(ctx context.Context, tx *gorm.DB, id int64) error {
	res := r.pendingRow(ctx, tx, id).Updates(map[string]any{
		"published_at":    r.clock(),
		"next_attempt_at": nil,
	})
	return checkAffected(res, "mark published", id)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, tx *gorm.DB, id int64, nextAttemptAt time.Time, reason string) error {
	res := r.pendingRow(ctx, tx, id).Updates(map[string]any{
		"attempt_count":   gorm.Expr("attempt_count + 1"),
		"next_attempt_at": nextAttemptAt.UTC(),
		"last_error":      truncate(reason, 1000),
	})
	return checkAffected(res, "mark failed", id)
}

func (r *outboxRepository) MarkDeadLettered(ctx context.Context, tx *gorm.DB, id int64, reason string) error {
	res := r.pendingRow(ctx, tx, id).Updates(map[string]any{
		"attempt_count":    gorm.Expr("attempt_count + 1"),
		"dead_lettered_at": r.clock(),
		"next_attempt_at":  nil,
		"last_error":       truncate(reason, 1000),
	})
	return checkAffected(res, "mark dead-lettered", id)
}

func checkAffected(res *gorm.DB, op string, id int64) error {
	if res.Error != nil {
		return fmt.Errorf("%s outbox %d: %w", op, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s outbox %d: %w", op, id, ErrNotPending)
	}
	return nil
}

func (r *outboxRepository) pending(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("published_at IS NULL AND dead_lettered_at IS NULL")
}

func (r *outboxRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pending(ctx).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count pending outbox: %w", err)
	}
	return n, nil
}

func (r *outboxRepository) OldestPendingAgeSeconds(ctx context.Context) (float64, error) {
	var oldest []model.OutboxEvent
	if err := r.pending(ctx).Order("created_at ASC, id ASC").Limit(1).Find(&oldest).Error; err != nil {
		return 0, fmt.Errorf("oldest pending outbox: %w", err)
	}
	if len(oldest) == 0 {
		return 0, nil
	}
	age := r.clock().Sub(oldest[0].CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}
	return age, nil
}

func (r *outboxRepository) CountDeadLettered(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("dead_lettered_at IS NOT NULL").
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count dead-lettered outbox: %w", err)
	}
	return n, nil
}

func (r *outboxRepository) ListDeadLettered(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var res []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("dead_lettered_at IS NOT NULL").
		Order("dead_lettered_at DESC, id DESC").
		Limit(limit).
		Find(&res).Error
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered outbox: %w", err)
	}
	return res, nil
}

func (r *outboxRepository) Stats(ctx context.Context) (model.OutboxStats, error) {
	var st model.OutboxStats
	var err error
	if st.Pending, err = r.CountPending(ctx); err != nil {
		return st, err
	}
	if st.OldestPendingAgeSeconds, err = r.OldestPendingAgeSeconds(ctx); err != nil {
		return st, err
	}
	if st.DeadLettered, err = r.CountDeadLettered(ctx); err != nil {
		return st, err
	}
	return st, nil
}

func (r *outboxRepository) ListPublishedAfter(ctx context.Context, cursor int64, filter ScopeFilter, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	conds := []string{"scope_type = ?"}
	args := []any{model.ScopeGlobal}
	if len(filter.ProjectIDs) > 0 {
		conds = append(conds, "(scope_type = ? AND scope_id IN ?)")
		args = append(args, model.ScopeProject, filter.ProjectIDs)
	}
	if filter.UserID != nil {
		conds = append(conds, "(scope_type = ? AND scope_id = ?)")
		args = append(args, model.ScopeUser, *filter.UserID)
	}

	var res []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("id > ? AND published_at IS NOT NULL", cursor).
		Where("("+strings.Join(conds, " OR ")+")", args...).
		Order("id ASC").
		Limit(limit).
		Find(&res).Error
	if err != nil {
		return nil, fmt.Errorf("list published outbox after %d: %w", cursor, err)
	}
	return res, nil
}

func (r *outboxRepository) DeletePublishedOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", days)
	}
	cutoff := r.clock().Add(-time.Duration(days) * 24 * time.Hour)
	res := r.db.WithContext(ctx).
		Where("published_at IS NOT NULL AND published_at < ?", cutoff).
		Delete(&model.OutboxEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete published outbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
