package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/d60-Lab/crm-realtime/internal/lock"
	"github.com/d60-Lab/crm-realtime/internal/repository"
	"github.com/d60-Lab/crm-realtime/pkg/logger"
)

const (
	DefaultRetentionDays = 7
	DefaultRetentionSpec = "@every 1h"

	retentionLockTTL = 5 * time.Minute
)

// RetentionSweeper 按 cron 表达式清理超过保留期的已发布事件；多实例下用分布式锁保证同一时刻只有一个实例执行
type RetentionSweeper struct {
	repo   repository.OutboxRepository
	locker *lock.Locker
	days   int
	spec   string
	cron   *cron.Cron
}

func NewRetentionSweeper(repo repository.OutboxRepository, locker *lock.Locker, days int, spec string) *RetentionSweeper {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	if spec == "" {
		spec = DefaultRetentionSpec
	}
	return &RetentionSweeper{repo: repo, locker: locker, days: days, spec: spec}
}

// SweepOnce 执行一次清理，返回删除行数；其他实例正在清理时返回 lock.ErrLockBusy
func (s *RetentionSweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := lock.WithLock(ctx, s.locker, lock.Key("outbox", "retention", "sweep"), retentionLockTTL,
		func(ctx context.Context) (int64, error) {
			return s.repo.DeletePublishedOlderThan(ctx, s.days)
		})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("outbox retention sweep", zap.Int64("deleted", n), zap.Int("retention_days", s.days))
	}
	return n, nil
}

// Start 注册定时任务；表达式非法时返回错误
func (s *RetentionSweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})))
	if _, err := c.AddFunc(s.spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		_, err := s.SweepOnce(runCtx)
		switch {
		case errors.Is(err, lock.ErrLockBusy):
			logger.Debug("outbox retention sweep running elsewhere, skipped")
		case err != nil:
			logger.Error("outbox retention sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("retention schedule %q: %w", s.spec, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop 停止调度并等待正在执行的任务
func (s *RetentionSweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger 把 cron 内部日志接到 zap
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.L().Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.L().Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
