// Package transport 将实时帧按房间（global、project:{id}、user:{id}、entity:{type}:{id}）
// 推送给 WebSocket 客户端；发布方只依赖 Broadcaster。
package transport

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/d60-Lab/crm-realtime/pkg/logger"
)

// ErrClosed hub 已关闭
var ErrClosed = errors.New("transport: hub closed")

// Broadcaster 按房间发布一帧
type Broadcaster interface {
	Publish(ctx context.Context, room string, payload []byte) error
	ConnectedClients() int
}

// Hub 本进程内的房间表
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
	}
}

// Register 登记客户端并加入初始房间
func (h *Hub) Register(c *Client, rooms ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.clients[c] = struct{}{}
	for _, r := range rooms {
		h.joinLocked(c, r)
	}
	return nil
}

// Unregister 移出所有房间，返回离开前所在的房间
func (h *Hub) Unregister(c *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	rooms := c.roomList()
	for _, r := range rooms {
		h.leaveLocked(c, r)
	}
	return rooms
}

func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.joinLocked(c, room)
}

func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

// editingElsewhere 同一用户的其他本地连接是否仍标记编辑该实体
func (h *Hub) editingElsewhere(c *Client, k editKey) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for other := range h.clients {
		if other != c && other.Identity.UserID == c.Identity.UserID && other.isEditing(k) {
			return true
		}
	}
	return false
}

func (h *Hub) joinLocked(c *Client, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.addRoom(room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	c.removeRoom(room)
}

// Publish 投递到本进程房间内的所有客户端；慢客户端被断开而不阻塞发布方
func (h *Hub) Publish(_ context.Context, room string, payload []byte) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			logger.Warn("transport: client too slow, disconnecting",
				zap.String("conn_id", c.ID), zap.Int64("user_id", c.Identity.UserID), zap.String("room", room))
			c.closeWith(statusBackpressure, "backpressure")
		}
	}
	return nil
}

func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize 房间内本进程客户端数
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close 断开所有客户端，之后的 Publish 返回 ErrClosed
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.closeWith(statusGoingAway, "server shutting down")
	}
}
