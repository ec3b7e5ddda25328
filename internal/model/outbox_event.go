package model

import "time"

// ScopeType 广播范围
type ScopeType string

const (
	ScopeGlobal  ScopeType = "global"
	ScopeProject ScopeType = "project"
	ScopeUser    ScopeType = "user"
)

// Valid 是否为已知范围
func (s ScopeType) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeProject, ScopeUser:
		return true
	}
	return false
}

// OutboxEvent 事务外发盒事件；ID 单调递增，同时作为客户端续传游标
type OutboxEvent struct {
	ID             int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	CreatedAt      time.Time  `json:"createdAt" gorm:"not null;index"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty" gorm:"index:idx_outbox_pending,priority:1"`
	DeadLetteredAt *time.Time `json:"deadLetteredAt,omitempty" gorm:"index:idx_outbox_pending,priority:2"`
	AttemptCount   int        `json:"attemptCount" gorm:"not null;default:0"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty" gorm:"index:idx_outbox_pending,priority:3"`
	LastError      *string    `json:"lastError,omitempty" gorm:"type:text"`
	EventType      string     `json:"eventType" gorm:"type:varchar(64);not null"`
	ScopeType      ScopeType  `json:"scopeType" gorm:"type:varchar(16);not null"`
	ScopeID        *int64     `json:"scopeId,omitempty"`
	EntityType     string     `json:"entityType" gorm:"type:varchar(64);not null"`
	EntityID       int64      `json:"entityId" gorm:"not null"`
	Payload        JSONMap    `json:"payload,omitempty" gorm:"type:jsonb"`
	ActorUserID    *int64     `json:"actorUserId,omitempty"`
	ClientOpID     *string    `json:"clientOpId,omitempty" gorm:"type:varchar(64)"`
}

func (OutboxEvent) TableName() string { return "realtime_outbox" }

// Pending 未发布且未进入死信
func (e *OutboxEvent) Pending() bool { return e.PublishedAt == nil && e.DeadLetteredAt == nil }

// OutboxStats 运维观测指标
type OutboxStats struct {
	Pending                 int64   `json:"pending"`
	OldestPendingAgeSeconds float64 `json:"oldestPendingAgeSeconds"`
	DeadLettered            int64   `json:"deadLettered"`
	ConnectedClients        int     `json:"connectedClients"`
}
