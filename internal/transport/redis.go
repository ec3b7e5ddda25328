package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/crm-realtime/internal/coordinator"
	"github.com/d60-Lab/crm-realtime/pkg/logger"
)

// DefaultChannel 跨实例广播频道
const DefaultChannel = "realtime:broadcast"

type envelope struct {
	Room   string          `json:"room"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin"`
}

// RedisBroadcaster 通过 Redis pub/sub 把一次发布送达所有实例的 Hub
type RedisBroadcaster struct {
	hub        *Hub
	coord      *coordinator.Coordinator
	channel    string
	instanceID string

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

func NewRedisBroadcaster(hub *Hub, coord *coordinator.Coordinator, channel string) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroadcaster{hub: hub, coord: coord, channel: coord.Key(channel), instanceID: uuid.NewString()}
}

// InstanceID 本实例标识，用于忽略自己发出的消息
func (b *RedisBroadcaster) InstanceID() string { return b.instanceID }

// Publish 先写 Redis，成功后再投递本地；Redis 失败时整体返回错误由调用方重试
func (b *RedisBroadcaster) Publish(ctx context.Context, room string, payload []byte) error {
	msg, err := json.Marshal(envelope{Room: room, Data: payload, Origin: b.instanceID})
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}
	if err := b.coord.Publish(ctx, b.channel, msg); err != nil {
		return fmt.Errorf("transport: publish %s: %w", room, err)
	}
	return b.hub.Publish(ctx, room, payload)
}

func (b *RedisBroadcaster) ConnectedClients() int { return b.hub.ConnectedClients() }

// Start 订阅频道并在后台转发到本地 Hub；订阅确认后返回
func (b *RedisBroadcaster) Start(ctx context.Context) error {
	rdb := b.coord.Client()
	if rdb == nil {
		return coordinator.ErrDisabled
	}
	ps := rdb.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("transport: subscribe %s: %w", b.channel, err)
	}
	b.mu.Lock()
	b.pubsub = ps
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for m := range ps.Channel() {
			b.relay(ctx, m.Payload)
		}
	}()
	logger.Info("transport: redis adapter subscribed", zap.String("channel", b.channel), zap.String("instance", b.instanceID))
	return nil
}

func (b *RedisBroadcaster) relay(ctx context.Context, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		logger.Warn("transport: drop malformed envelope", zap.Error(err))
		return
	}
	if env.Origin == b.instanceID {
		return
	}
	if err := b.hub.Publish(ctx, env.Room, env.Data); err != nil {
		logger.Debug("transport: relay skipped", zap.String("room", env.Room), zap.Error(err))
	}
}

// Close 取消订阅并等待转发协程退出
func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	b.wg.Wait()
	return err
}
