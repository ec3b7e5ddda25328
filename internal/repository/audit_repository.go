package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/d60-Lab/crm-realtime/internal/model"
)

// AuditRepository 审计记录；写入总在业务事务内
type AuditRepository interface {
	Create(ctx context.Context, tx *gorm.DB, entry *model.AuditLog) error
	ListByEntity(ctx context.Context, entityType string, entityID int64, limit int) ([]*model.AuditLog, error)
}

type auditRepository struct{ db *gorm.DB }

func NewAuditRepository(db *gorm.DB) AuditRepository { return &auditRepository{db: db} }

func (r *auditRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.AuditLog) error {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	if err := conn.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

// ListByEntity 按时间倒序
func (r *auditRepository) ListByEntity(ctx context.Context, entityType string, entityID int64, limit int) ([]*model.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var res []*model.AuditLog
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id DESC").
		Limit(limit).
		Find(&res).Error
	if err != nil {
		return nil, fmt.Errorf("list audit logs for %s/%d: %w", entityType, entityID, err)
	}
	return res, nil
}
