package model

import "time"

// PresenceMode 查看/编辑
type PresenceMode string

const (
	ModeView PresenceMode = "view"
	ModeEdit PresenceMode = "edit"
)

// PresenceContext 用户当前所处页面
type PresenceContext struct {
	Module     string       `json:"module,omitempty" validate:"max=64"`
	ProjectID  *int64       `json:"projectId,omitempty" validate:"omitempty,gt=0"`
	EntityType string       `json:"entityType,omitempty" validate:"max=64"`
	EntityID   *int64       `json:"entityId,omitempty" validate:"omitempty,gt=0"`
	Route      string       `json:"route,omitempty" validate:"max=512"`
	Mode       PresenceMode `json:"mode,omitempty" validate:"omitempty,oneof=view edit"`
}

// HasEntity 是否指向具体实体
func (c PresenceContext) HasEntity() bool { return c.EntityType != "" && c.EntityID != nil }

// PresenceRecord 每条在线连接一条
type PresenceRecord struct {
	ConnectionID string          `json:"connectionId"`
	UserID       int64           `json:"userId"`
	DisplayName  string          `json:"displayName"`
	Initials     string          `json:"initials"`
	Role         string          `json:"role,omitempty"`
	LastSeenAt   time.Time       `json:"lastSeenAt"`
	Context      PresenceContext `json:"context"`
}

// Alive now-LastSeenAt < ttl
func (r PresenceRecord) Alive(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.LastSeenAt) < ttl
}

// EditingEntry 软锁：某用户正在编辑某实体（仅提示，不互斥）
type EditingEntry struct {
	UserID     int64     `json:"userId"`
	Name       string    `json:"name"`
	Initials   string    `json:"initials"`
	StartedAt  time.Time `json:"startedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Alive now-LastSeenAt < ttl
func (e EditingEntry) Alive(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastSeenAt) < ttl
}
