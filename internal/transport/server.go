package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/crm-realtime/internal/model"
	"github.com/d60-Lab/crm-realtime/internal/presence"
	"github.com/d60-Lab/crm-realtime/internal/realtime"
	"github.com/d60-Lab/crm-realtime/pkg/logger"
)

// ServerOptions WebSocket 会话参数
type ServerOptions struct {
	AllowOrigins []string
	MessageRate  float64
	MessageBurst int
	SendBuffer   int
	WriteTimeout time.Duration
}

// Server 处理 WebSocket 会话：连接生命周期驱动在线/软锁登记
type Server struct {
	hub      *Hub
	bus      Broadcaster
	presence presence.Registry
	editing  presence.EditingRegistry
	validate *validator.Validate
	opts     ServerOptions
}

// NewServer bus 用于推送快照，未启用 Redis 时直接传 hub
func NewServer(hub *Hub, bus Broadcaster, reg presence.Registry, ed presence.EditingRegistry, opts ServerOptions) *Server {
	if bus == nil {
		bus = hub
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = 10
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 20
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Server{hub: hub, bus: bus, presence: reg, editing: ed, validate: validator.New(), opts: opts}
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type subscribeData struct {
	ProjectID int64 `json:"projectId" validate:"gt=0"`
}

type editingData struct {
	EntityType string `json:"entityType" validate:"required,max=64"`
	EntityID   int64  `json:"entityId" validate:"gt=0"`
}

type errorData struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// PresenceSnapshot 推送给房间的在线列表
type PresenceSnapshot struct {
	Scope     string                 `json:"scope"`
	ProjectID *int64                 `json:"projectId,omitempty"`
	Users     []model.PresenceRecord `json:"users"`
}

// EditingSnapshot 推送给实体房间的编辑者列表
type EditingSnapshot struct {
	EntityType string               `json:"entityType"`
	EntityID   int64                `json:"entityId"`
	Editors    []model.EditingEntry `json:"editors"`
}

var errBadFrame = errors.New("malformed frame")

// ServeWS 升级连接并运行读循环，直到客户端断开
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request, ident Identity) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.AllowOrigins})
	if err != nil {
		logger.Warn("ws: accept failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(uuid.NewString(), ident, conn, s.opts.SendBuffer,
		rate.NewLimiter(rate.Limit(s.opts.MessageRate), s.opts.MessageBurst))
	if err := s.hub.Register(c, realtime.RoomGlobal, realtime.UserRoom(ident.UserID)); err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "shutting down")
		return
	}
	go c.writePump(ctx, s.opts.WriteTimeout)

	logger.Info("ws: client connected", zap.String("conn_id", c.ID), zap.Int64("user_id", ident.UserID))
	s.upsert(ctx, c, model.PresenceContext{Mode: model.ModeView})
	s.pushPresence(ctx, nil)

	defer s.disconnect(c)

	for {
		var msg inbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logger.Debug("ws: read ended", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}
		if !c.allow() {
			s.sendError(c, msg.Type, "rate limited")
			continue
		}
		if err := s.handle(ctx, c, msg); err != nil {
			s.sendError(c, msg.Type, err.Error())
		}
	}
}

func (s *Server) handle(ctx context.Context, c *Client, msg inbound) error {
	switch msg.Type {
	case realtime.FrameHello, realtime.FrameHeartbeat:
		var pc *model.PresenceContext
		if len(msg.Data) > 0 && string(msg.Data) != "null" {
			pc = &model.PresenceContext{}
			if err := s.decode(msg.Data, pc); err != nil {
				return err
			}
		}
		s.heartbeat(ctx, c, pc)
		return nil

	case realtime.FrameSubscribe, realtime.FrameUnsubscribe:
		var d subscribeData
		if err := s.decode(msg.Data, &d); err != nil {
			return err
		}
		room := realtime.ProjectRoom(d.ProjectID)
		if msg.Type == realtime.FrameUnsubscribe {
			s.hub.Leave(c, room)
			return nil
		}
		s.hub.Join(c, room)
		if recs, err := s.presence.ListByProject(ctx, d.ProjectID); err == nil {
			pid := d.ProjectID
			s.sendTo(c, realtime.FramePresence, PresenceSnapshot{Scope: "project", ProjectID: &pid, Users: recs})
		}
		return nil

	case realtime.FrameEditingStart, realtime.FrameEditingStop:
		var d editingData
		if err := s.decode(msg.Data, &d); err != nil {
			return err
		}
		k := editKey{entityType: d.EntityType, entityID: d.EntityID}
		if msg.Type == realtime.FrameEditingStart {
			if err := s.startEditing(ctx, c, k); err != nil {
				logger.Warn("ws: editing start failed", zap.String("conn_id", c.ID), zap.Error(err))
				return errors.New("editing unavailable")
			}
			c.markEditing(k, true)
			s.hub.Join(c, realtime.EntityRoom(d.EntityType, d.EntityID))
		} else {
			c.markEditing(k, false)
			s.stopEditing(ctx, c, k)
		}
		s.pushEditing(ctx, k)
		return nil
	}
	return errors.New("unknown frame type")
}

func (s *Server) decode(data json.RawMessage, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return errBadFrame
	}
	if err := s.validate.Struct(dst); err != nil {
		return errBadFrame
	}
	return nil
}

func (s *Server) record(c *Client, pc model.PresenceContext) model.PresenceRecord {
	return model.PresenceRecord{
		ConnectionID: c.ID,
		UserID:       c.Identity.UserID,
		DisplayName:  c.Identity.Name,
		Initials:     Initials(c.Identity.Name),
		Role:         c.Identity.Role,
		Context:      pc,
	}
}

func (s *Server) upsert(ctx context.Context, c *Client, pc model.PresenceContext) {
	if err := s.presence.Upsert(ctx, s.record(c, pc)); err != nil {
		logger.Warn("ws: presence upsert failed", zap.String("conn_id", c.ID), zap.Error(err))
	}
	s.followContext(c, nil, &pc)
}

// heartbeat 刷新在线与软锁；上下文变化时调整房间并推送快照
func (s *Server) heartbeat(ctx context.Context, c *Client, pc *model.PresenceContext) {
	prev, err := s.presence.Get(ctx, c.ID)
	if err != nil {
		logger.Warn("ws: presence read failed", zap.String("conn_id", c.ID), zap.Error(err))
	}
	rec, err := s.presence.Heartbeat(ctx, c.ID, pc)
	if err != nil {
		logger.Warn("ws: presence heartbeat failed", zap.String("conn_id", c.ID), zap.Error(err))
	}
	if rec == nil && err == nil {
		// 记录已过期：按当前上下文重新登记
		next := model.PresenceContext{Mode: model.ModeView}
		if pc != nil {
			next = *pc
		}
		s.upsert(ctx, c, next)
		s.pushPresence(ctx, next.ProjectID)
	}

	for _, k := range c.editingList() {
		alive, err := s.editing.Heartbeat(ctx, k.entityType, k.entityID, c.Identity.UserID)
		if err != nil {
			logger.Debug("ws: editing heartbeat failed", zap.String("conn_id", c.ID), zap.Error(err))
			continue
		}
		if alive {
			continue
		}
		// 条目已过期或被同一用户的其他连接移除：重新登记
		if err := s.startEditing(ctx, c, k); err != nil {
			logger.Warn("ws: editing restore failed", zap.String("conn_id", c.ID), zap.Error(err))
			continue
		}
		s.pushEditing(ctx, k)
	}

	if rec == nil || pc == nil {
		return
	}
	var before *model.PresenceContext
	if prev != nil {
		before = &prev.Context
	}
	if before != nil && sameContext(*before, *pc) {
		return
	}
	s.followContext(c, before, pc)
	if before != nil && before.ProjectID != nil && !sameProject(before.ProjectID, pc.ProjectID) {
		s.pushPresence(ctx, before.ProjectID)
	}
	s.pushPresence(ctx, pc.ProjectID)
}

func (s *Server) startEditing(ctx context.Context, c *Client, k editKey) error {
	return s.editing.Start(ctx, k.entityType, k.entityID, model.EditingEntry{
		UserID:   c.Identity.UserID,
		Name:     c.Identity.Name,
		Initials: Initials(c.Identity.Name),
	})
}

// stopEditing 软锁按用户登记，同一用户还有本地连接在编辑时保留
func (s *Server) stopEditing(ctx context.Context, c *Client, k editKey) {
	if s.hub.editingElsewhere(c, k) {
		return
	}
	if _, err := s.editing.Stop(ctx, k.entityType, k.entityID, c.Identity.UserID); err != nil {
		logger.Warn("ws: editing stop failed", zap.String("conn_id", c.ID), zap.Error(err))
	}
}

// followContext 查看某实体时加入其房间以接收编辑者快照
func (s *Server) followContext(c *Client, before, after *model.PresenceContext) {
	if before != nil && before.HasEntity() {
		if after == nil || !after.HasEntity() || before.EntityType != after.EntityType || *before.EntityID != *after.EntityID {
			room := realtime.EntityRoom(before.EntityType, *before.EntityID)
			if !c.isEditing(editKey{before.EntityType, *before.EntityID}) {
				s.hub.Leave(c, room)
			}
		}
	}
	if after != nil && after.HasEntity() {
		s.hub.Join(c, realtime.EntityRoom(after.EntityType, *after.EntityID))
	}
}

func (s *Server) disconnect(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.hub.Unregister(c)
	c.closeWith(websocket.StatusNormalClosure, "bye")

	prev, err := s.presence.Remove(ctx, c.ID)
	if err != nil {
		logger.Warn("ws: presence remove failed", zap.String("conn_id", c.ID), zap.Error(err))
	}
	for _, k := range c.editingList() {
		s.stopEditing(ctx, c, k)
		s.pushEditing(ctx, k)
	}
	var pid *int64
	if prev != nil {
		pid = prev.Context.ProjectID
	}
	s.pushPresence(ctx, pid)
	logger.Info("ws: client disconnected", zap.String("conn_id", c.ID), zap.Int64("user_id", c.Identity.UserID))
}

// pushPresence 推送全局快照，projectID 非空时同时推送项目快照
func (s *Server) pushPresence(ctx context.Context, projectID *int64) {
	if all, err := s.presence.ListGlobal(ctx); err == nil {
		s.broadcast(ctx, realtime.RoomGlobal, realtime.FramePresence, PresenceSnapshot{Scope: "global", Users: presence.DistinctUsers(all)})
	} else {
		logger.Warn("ws: list presence failed", zap.Error(err))
	}
	if projectID == nil {
		return
	}
	recs, err := s.presence.ListByProject(ctx, *projectID)
	if err != nil {
		logger.Warn("ws: list project presence failed", zap.Int64("project_id", *projectID), zap.Error(err))
		return
	}
	pid := *projectID
	s.broadcast(ctx, realtime.ProjectRoom(pid), realtime.FramePresence, PresenceSnapshot{Scope: "project", ProjectID: &pid, Users: recs})
}

func (s *Server) pushEditing(ctx context.Context, k editKey) {
	entries, err := s.editing.List(ctx, k.entityType, k.entityID)
	if err != nil {
		logger.Warn("ws: list editing failed", zap.String("entity_type", k.entityType), zap.Int64("entity_id", k.entityID), zap.Error(err))
		return
	}
	s.broadcast(ctx, realtime.EntityRoom(k.entityType, k.entityID), realtime.FrameEditing,
		EditingSnapshot{EntityType: k.entityType, EntityID: k.entityID, Editors: entries})
}

func (s *Server) broadcast(ctx context.Context, room, frameType string, data any) {
	b, err := realtime.EncodeFrame(frameType, data)
	if err != nil {
		logger.Error("ws: encode snapshot failed", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, room, b); err != nil {
		logger.Warn("ws: snapshot publish failed", zap.String("room", room), zap.Error(err))
	}
}

func (s *Server) sendTo(c *Client, frameType string, data any) {
	b, err := realtime.EncodeFrame(frameType, data)
	if err != nil {
		return
	}
	if !c.enqueue(b) {
		c.closeWith(statusBackpressure, "backpressure")
	}
}

func (s *Server) sendError(c *Client, frameType, message string) {
	s.sendTo(c, realtime.FrameError, errorData{Message: message, Type: frameType})
}

func sameProject(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameContext(a, b model.PresenceContext) bool {
	return a.Module == b.Module && a.EntityType == b.EntityType && a.Route == b.Route && a.Mode == b.Mode &&
		sameProject(a.ProjectID, b.ProjectID) && sameProject(a.EntityID, b.EntityID)
}
