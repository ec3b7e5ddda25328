package model

import "time"

// AuditLog 审计记录，与 outbox 行同事务写入
type AuditLog struct {
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	CreatedAt   time.Time `json:"createdAt" gorm:"not null;index"`
	ActorUserID *int64    `json:"actorUserId,omitempty" gorm:"index"`
	Action      string    `json:"action" gorm:"type:varchar(64);not null"`
	EntityType  string    `json:"entityType" gorm:"type:varchar(64);not null;index:idx_audit_entity"`
	EntityID    int64     `json:"entityId" gorm:"not null;index:idx_audit_entity"`
	ProjectID   *int64    `json:"projectId,omitempty" gorm:"index"`
	ClientOpID  *string   `json:"clientOpId,omitempty" gorm:"type:varchar(64)"`
	Patch       JSONMap   `json:"patch,omitempty" gorm:"type:jsonb"`
}

func (AuditLog) TableName() string { return "realtime_audit_log" }
