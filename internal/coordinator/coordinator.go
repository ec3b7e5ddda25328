// Package coordinator 多实例共享的 Redis 存储：带 TTL 的键、原子占位、比较删除、索引集合
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDisabled 未启用 Redis
var ErrDisabled = errors.New("coordinator: disabled")

// compareAndDelete 值仍为 ARGV[1] 时才删除
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Coordinator nil 值合法，视为未启用
type Coordinator struct {
	rdb    redis.UniversalClient
	prefix string
}

func New(rdb redis.UniversalClient, prefix string) *Coordinator {
	if rdb == nil {
		return nil
	}
	return &Coordinator{rdb: rdb, prefix: prefix}
}

func (c *Coordinator) Enabled() bool { return c != nil && c.rdb != nil }

// Client 供 pub/sub 使用
func (c *Coordinator) Client() redis.UniversalClient {
	if !c.Enabled() {
		return nil
	}
	return c.rdb
}

// Key 加上命名空间前缀
func (c *Coordinator) Key(parts ...string) string {
	k := ""
	if c != nil {
		k = c.prefix
	}
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (c *Coordinator) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.Ping(ctx).Err()
}

// SetIfAbsent SET NX PX
func (c *Coordinator) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !c.Enabled() {
		return false, ErrDisabled
	}
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("coordinator setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete 仅当 key 仍等于 value 时删除
func (c *Coordinator) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if !c.Enabled() {
		return false, ErrDisabled
	}
	n, err := compareAndDelete.Run(ctx, c.rdb, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("coordinator compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

func (c *Coordinator) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get 键不存在返回 (nil, nil)
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator get %s: %w", key, err)
	}
	return b, nil
}

// GetMany 与 keys 一一对应，缺失为 nil
func (c *Coordinator) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("coordinator mget: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (c *Coordinator) Delete(ctx context.Context, keys ...string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Members 读取索引集合
func (c *Coordinator) Members(ctx context.Context, set string) ([]string, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	m, err := c.rdb.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("coordinator smembers %s: %w", set, err)
	}
	return m, nil
}

// Unindex 从所有集合移除 member
func (c *Coordinator) Unindex(ctx context.Context, member string, sets ...string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	if len(sets) == 0 {
		return nil
	}
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, s := range sets {
			p.SRem(ctx, s, member)
		}
		return nil
	})
	return err
}

// IndexedWrite 一次记录写入及其索引变更
type IndexedWrite struct {
	Key      string
	Value    []byte
	TTL      time.Duration
	Member   string
	Add      []string // 新增
	Remove   []string // 移除
	IndexTTL time.Duration
}

// PutIndexed 在一个 MULTI/EXEC 内写记录、维护索引并刷新集合 TTL
func (c *Coordinator) PutIndexed(ctx context.Context, w IndexedWrite) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	idxTTL := w.IndexTTL
	if idxTTL < w.TTL {
		idxTTL = w.TTL
	}
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, w.Key, w.Value, w.TTL)
		for _, s := range w.Remove {
			p.SRem(ctx, s, w.Member)
		}
		for _, s := range w.Add {
			p.SAdd(ctx, s, w.Member)
			p.Expire(ctx, s, idxTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("coordinator put indexed %s: %w", w.Key, err)
	}
	return nil
}

// DeleteIndexed 删除记录及其索引
func (c *Coordinator) DeleteIndexed(ctx context.Context, key, member string, sets ...string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		for _, s := range sets {
			p.SRem(ctx, s, member)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("coordinator delete indexed %s: %w", key, err)
	}
	return nil
}

func (c *Coordinator) Publish(ctx context.Context, channel string, payload []byte) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.Publish(ctx, channel, payload).Err()
}
