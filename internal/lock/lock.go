// Package lock 基于协调器的短时分布式锁；只尝试一次，被占用立即返回 ErrLockBusy
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d60-Lab/crm-realtime/internal/coordinator"
	"github.com/d60-Lab/crm-realtime/pkg/logger"
)

// ErrLockBusy 锁已被占用
var ErrLockBusy = errors.New("lock: busy")

// Key lock:<scope>:<id>:<operation>
func Key(scope string, id any, operation string) string {
	return strings.Join([]string{"lock", scope, fmt.Sprint(id), operation}, ":")
}

type Locker struct {
	coord *coordinator.Coordinator
	token func() string
}

// New coord 为 nil 时临界区不加锁执行（单实例部署）
func New(coord *coordinator.Coordinator) *Locker {
	return &Locker{coord: coord, token: func() string { return uuid.NewString() }}
}

// Do 持锁执行 fn，最长 ttl
func (l *Locker) Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	_, err := WithLock(ctx, l, key, ttl, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// WithLock 持锁执行 fn 并返回其结果
func WithLock[T any](ctx context.Context, l *Locker, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if ttl <= 0 {
		return zero, fmt.Errorf("lock %s: ttl must be positive", key)
	}
	if l == nil || !l.coord.Enabled() {
		return fn(ctx)
	}

	token := l.token()
	fullKey := l.coord.Key(key)
	ok, err := l.coord.SetIfAbsent(ctx, fullKey, token, ttl)
	if err != nil {
		logger.Warn("lock: coordinator unavailable, running unprotected", zap.String("key", key), zap.Error(err))
		return fn(ctx)
	}
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrLockBusy, key)
	}

	defer func() {
		// 已过期并被他人重新获取时不会误删
		released, rerr := l.coord.CompareAndDelete(context.WithoutCancel(ctx), fullKey, token)
		switch {
		case rerr != nil:
			logger.Warn("lock: release failed", zap.String("key", key), zap.Error(rerr))
		case !released:
			logger.Warn("lock: expired before release", zap.String("key", key), zap.Duration("ttl", ttl))
		}
	}()
	return fn(ctx)
}
