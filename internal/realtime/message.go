package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/d60-Lab/crm-realtime/internal/model"
)

// WireVersion 对外消息格式版本
const WireVersion = 1

// 事件类型
const (
	EventCreated = "entity.created"
	EventUpdated = "entity.updated"
	EventDeleted = "entity.deleted"
	EventNotify  = "notify"
)

// 帧类型 {"type": ..., "data": ...}
const (
	FrameChanged      = "realtime.changed"
	FrameNotify       = "realtime.notify"
	FramePresence     = "presence.snapshot"
	FrameEditing      = "editing.snapshot"
	FrameError        = "error"
	FrameHello        = "hello"
	FrameHeartbeat    = "heartbeat"
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FrameEditingStart = "editing.start"
	FrameEditingStop  = "editing.stop"
)

// 房间名
const RoomGlobal = "global"

func ProjectRoom(id int64) string { return "project:" + strconv.FormatInt(id, 10) }
func UserRoom(id int64) string    { return "user:" + strconv.FormatInt(id, 10) }
func EntityRoom(entityType string, id int64) string {
	return "entity:" + entityType + ":" + strconv.FormatInt(id, 10)
}

// Frame socket 上的一帧
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame 序列化一帧
func EncodeFrame(frameType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	return json.Marshal(Frame{Type: frameType, Data: raw})
}

// EntityRef 通知关联的实体
type EntityRef struct {
	Type string `json:"type" validate:"required,max=64"`
	ID   int64  `json:"id" validate:"gt=0"`
}

// Message 投递给客户端的消息；EventID 即续传游标
type Message struct {
	V           int             `json:"v"`
	EventID     int64           `json:"eventId"`
	EventType   string          `json:"eventType"`
	ScopeType   model.ScopeType `json:"scopeType"`
	ScopeID     *int64          `json:"scopeId,omitempty"`
	EntityType  string          `json:"entityType"`
	EntityID    int64           `json:"entityId"`
	ProjectID   *int64          `json:"projectId,omitempty"`
	ServerTs    time.Time       `json:"serverTs"`
	ActorUserID *int64          `json:"actorUserId,omitempty"`
	ClientOpID  *string         `json:"clientOpId,omitempty"`
	// Invalidate 为 null 时客户端整体失效缓存
	Invalidate *Invalidation  `json:"invalidate"`
	Patch      map[string]any `json:"patch,omitempty"`

	NotificationID string     `json:"notificationId,omitempty"`
	Type           string     `json:"type,omitempty"`
	Title          string     `json:"title,omitempty"`
	Entity         *EntityRef `json:"entity,omitempty"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
}

// IsNotify 是否为通知事件
func (m *Message) IsNotify() bool { return m.EventType == EventNotify }

// FrameType 对应的帧类型
func (m *Message) FrameType() string {
	if m.IsNotify() {
		return FrameNotify
	}
	return FrameChanged
}

// eventPayload 存入 outbox.payload 的结构
type eventPayload struct {
	ProjectID    *int64         `json:"projectId,omitempty"`
	Invalidate   *Invalidation  `json:"invalidate"`
	Patch        map[string]any `json:"patch,omitempty"`
	Notification *notification  `json:"notification,omitempty"`
}

type notification struct {
	ID        string     `json:"notificationId"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Entity    *EntityRef `json:"entity,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (p eventPayload) toJSONMap() (model.JSONMap, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m model.JSONMap
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodePayload(m model.JSONMap) (eventPayload, error) {
	var p eventPayload
	if len(m) == 0 {
		return p, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(b, &p)
	return p, err
}

// BuildMessage 由 outbox 行组装对外消息
func BuildMessage(evt *model.OutboxEvent, serverTs time.Time) (*Message, error) {
	p, err := decodePayload(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode outbox %d payload: %w", evt.ID, err)
	}
	msg := &Message{
		V:           WireVersion,
		EventID:     evt.ID,
		EventType:   evt.EventType,
		ScopeType:   evt.ScopeType,
		ScopeID:     evt.ScopeID,
		EntityType:  evt.EntityType,
		EntityID:    evt.EntityID,
		ProjectID:   p.ProjectID,
		ServerTs:    serverTs.UTC(),
		ActorUserID: evt.ActorUserID,
		ClientOpID:  evt.ClientOpID,
		Invalidate:  p.Invalidate,
		Patch:       p.Patch,
	}
	if n := p.Notification; n != nil {
		createdAt := n.CreatedAt
		msg.NotificationID = n.ID
		msg.Type = n.Type
		msg.Title = n.Title
		msg.Entity = n.Entity
		msg.CreatedAt = &createdAt
	}
	return msg, nil
}

// Rooms 事件的投递房间
func Rooms(evt *model.OutboxEvent) ([]string, error) {
	switch evt.ScopeType {
	case model.ScopeGlobal:
		return []string{RoomGlobal}, nil
	case model.ScopeProject:
		if evt.ScopeID == nil {
			return nil, fmt.Errorf("outbox %d: project scope without id", evt.ID)
		}
		return []string{ProjectRoom(*evt.ScopeID)}, nil
	case model.ScopeUser:
		if evt.ScopeID == nil {
			return nil, fmt.Errorf("outbox %d: user scope without id", evt.ID)
		}
		return []string{UserRoom(*evt.ScopeID)}, nil
	}
	return nil, fmt.Errorf("outbox %d: unknown scope %q", evt.ID, evt.ScopeType)
}
