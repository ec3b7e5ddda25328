package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/crm-realtime/internal/model"
	"github.com/d60-Lab/crm-realtime/internal/repository"
)

// ErrInvalidParams 参数校验失败
var ErrInvalidParams = errors.New("realtime: invalid params")

// ChangeParams 业务写入后的变更描述
type ChangeParams struct {
	EntityType  string         `validate:"required,max=64"`
	EntityID    int64          `validate:"gt=0"`
	ProjectID   *int64         `validate:"omitempty,gt=0"`
	ActorUserID *int64         `validate:"omitempty,gt=0"`
	EventType   string         `validate:"required,max=64"`
	ClientOpID  *string        `validate:"omitempty,max=64"`
	Patch       map[string]any `validate:"-"`
}

// NotifyParams 定向通知
type NotifyParams struct {
	UserID         int64      `validate:"gt=0"`
	NotificationID string     `validate:"max=64"`
	Type           string     `validate:"required,max=64"`
	Title          string     `validate:"required,max=255"`
	ProjectID      *int64     `validate:"omitempty,gt=0"`
	ActorUserID    *int64     `validate:"omitempty,gt=0"`
	Entity         *EntityRef `validate:"omitempty"`
}

// Emitter 业务侧入口：在调用方事务内写审计与 outbox，不做任何网络 I/O
type Emitter struct {
	outbox   repository.OutboxRepository
	audit    repository.AuditRepository
	validate *validator.Validate
	now      func() time.Time
}

func NewEmitter(outbox repository.OutboxRepository, audit repository.AuditRepository) *Emitter {
	return &Emitter{outbox: outbox, audit: audit, validate: validator.New(), now: time.Now}
}

// EmitChanged 在 tx 内登记一次实体变更；任何错误都应让调用方回滚整个事务
func (e *Emitter) EmitChanged(ctx context.Context, tx *gorm.DB, p ChangeParams) (*model.OutboxEvent, error) {
	if err := e.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	scope, scopeID := model.ScopeGlobal, (*int64)(nil)
	if p.ProjectID != nil {
		scope, scopeID = model.ScopeProject, p.ProjectID
	}
	payload := eventPayload{ProjectID: p.ProjectID, Patch: p.Patch}
	if inv, ok := InvalidationFor(p.EntityType); ok {
		payload.Invalidate = &inv
	}
	data, err := payload.toJSONMap()
	if err != nil {
		return nil, fmt.Errorf("emit %s/%d: %w", p.EntityType, p.EntityID, err)
	}

	if e.audit != nil {
		entry := &model.AuditLog{
			CreatedAt:   e.now().UTC(),
			ActorUserID: p.ActorUserID,
			Action:      p.EventType,
			EntityType:  p.EntityType,
			EntityID:    p.EntityID,
			ProjectID:   p.ProjectID,
			ClientOpID:  p.ClientOpID,
			Patch:       model.JSONMap(p.Patch),
		}
		if err := e.audit.Create(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	return e.outbox.Enqueue(ctx, tx, repository.EnqueueParams{
		EventType:   p.EventType,
		ScopeType:   scope,
		ScopeID:     scopeID,
		EntityType:  p.EntityType,
		EntityID:    p.EntityID,
		Payload:     data,
		ActorUserID: p.ActorUserID,
		ClientOpID:  p.ClientOpID,
	})
}

// EmitNotify 登记一条发给单个用户的通知
func (e *Emitter) EmitNotify(ctx context.Context, tx *gorm.DB, p NotifyParams) (*model.OutboxEvent, error) {
	if err := e.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.NotificationID == "" {
		p.NotificationID = uuid.NewString()
	}

	entityType, entityID := "notification", int64(0)
	if p.Entity != nil {
		entityType, entityID = p.Entity.Type, p.Entity.ID
	}
	data, err := eventPayload{
		ProjectID: p.ProjectID,
		Notification: &notification{
			ID:        p.NotificationID,
			Type:      p.Type,
			Title:     p.Title,
			Entity:    p.Entity,
			CreatedAt: e.now().UTC(),
		},
	}.toJSONMap()
	if err != nil {
		return nil, fmt.Errorf("emit notify %s: %w", p.NotificationID, err)
	}

	uid := p.UserID
	return e.outbox.Enqueue(ctx, tx, repository.EnqueueParams{
		EventType:   EventNotify,
		ScopeType:   model.ScopeUser,
		ScopeID:     &uid,
		EntityType:  entityType,
		EntityID:    entityID,
		Payload:     data,
		ActorUserID: p.ActorUserID,
	})
}
