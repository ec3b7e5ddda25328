package transport

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const (
	statusBackpressure = websocket.StatusPolicyViolation
	statusGoingAway    = websocket.StatusGoingAway
)

// Identity 上游认证后的调用者
type Identity struct {
	UserID int64
	Name   string
	Role   string
}

// Initials 取姓名前两个词的首字母
func Initials(name string) string {
	var out []rune
	for _, w := range strings.Fields(name) {
		out = append(out, unicode.ToUpper([]rune(w)[0]))
		if len(out) == 2 {
			break
		}
	}
	return string(out)
}

type editKey struct {
	entityType string
	entityID   int64
}

// Client 一条 WebSocket 连接
type Client struct {
	ID       string
	Identity Identity

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	mu      sync.Mutex
	rooms   map[string]struct{}
	editing map[editKey]struct{}
}

func newClient(id string, ident Identity, conn *websocket.Conn, buffer int, limiter *rate.Limiter) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		ID:       id,
		Identity: ident,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		limiter:  limiter,
		rooms:    make(map[string]struct{}),
		editing:  make(map[editKey]struct{}),
	}
}

// enqueue 非阻塞入队，缓冲已满返回 false
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closeWith(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			go func() { _ = c.conn.Close(code, reason) }()
		}
	})
}

// writePump 独占写连接，直到连接关闭
func (c *Client) writePump(ctx context.Context, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.closeWith(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *Client) allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

func (c *Client) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Client) roomList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (c *Client) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *Client) markEditing(k editKey, on bool) {
	c.mu.Lock()
	if on {
		c.editing[k] = struct{}{}
	} else {
		delete(c.editing, k)
	}
	c.mu.Unlock()
}

func (c *Client) editingList() []editKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]editKey, 0, len(c.editing))
	for k := range c.editing {
		out = append(out, k)
	}
	return out
}

func (c *Client) isEditing(k editKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.editing[k]
	return ok
}
