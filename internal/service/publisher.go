package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/crm-realtime/internal/model"
	"github.com/d60-Lab/crm-realtime/internal/realtime"
	"github.com/d60-Lab/crm-realtime/internal/repository"
	"github.com/d60-Lab/crm-realtime/internal/transport"
	"github.com/d60-Lab/crm-realtime/pkg/logger"
)

const (
	DefaultBatchSize       = 200
	DefaultPublishInterval = time.Second
)

// DefaultBackoff 第 n 次失败后的等待时间，超出部分取最后一项
var DefaultBackoff = []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second, 60 * time.Second}

// RetryDelay attempt 从 1 开始
func RetryDelay(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		schedule = DefaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt-1]
}

// TickResult 一次处理的统计
type TickResult struct {
	Claimed      int
	Published    int
	Retried      int
	DeadLettered int
}

// PublisherOption 发布器选项
type PublisherOption func(*OutboxPublisher)

func WithBatchSize(n int) PublisherOption {
	return func(p *OutboxPublisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) PublisherOption {
	return func(p *OutboxPublisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithBackoff(schedule []time.Duration) PublisherOption {
	return func(p *OutboxPublisher) {
		if len(schedule) > 0 {
			p.backoff = schedule
		}
	}
}

// WithPublisherClock 注入时钟（测试用）
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(p *OutboxPublisher) {
		if now != nil {
			p.now = now
		}
	}
}

// OutboxPublisher 周期性认领 outbox 并广播；认领与状态更新在同一事务内
type OutboxPublisher struct {
	db        *gorm.DB
	repo      repository.OutboxRepository
	bus       transport.Broadcaster
	batchSize int
	interval  time.Duration
	backoff   []time.Duration
	now       func() time.Time
	tracer    trace.Tracer

	mu      sync.Mutex
	running bool
}

func NewOutboxPublisher(db *gorm.DB, repo repository.OutboxRepository, bus transport.Broadcaster, opts ...PublisherOption) *OutboxPublisher {
	p := &OutboxPublisher{
		db:        db,
		repo:      repo,
		bus:       bus,
		batchSize: DefaultBatchSize,
		interval:  DefaultPublishInterval,
		backoff:   DefaultBackoff,
		now:       time.Now,
		tracer:    otel.Tracer("github.com/d60-Lab/crm-realtime/internal/service"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 启动后台循环；返回停止函数，等待当前一轮结束或 ctx 到期
func (p *OutboxPublisher) Start(ctx context.Context) func(context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return func(context.Context) error { return nil }
	}
	p.running = true
	p.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.loop(loopCtx)
	}()

	return func(stopCtx context.Context) error {
		cancel()
		defer func() {
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
		}()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}

func (p *OutboxPublisher) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	logger.Info("outbox publisher started", zap.Duration("interval", p.interval), zap.Int("batch_size", p.batchSize))
	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox publish tick failed", zap.Error(err))
			}
		}
	}
}

// ProcessOnce 处理一批；panic 被转换为错误，不影响后续轮次
func (p *OutboxPublisher) ProcessOnce(ctx context.Context) (res TickResult, err error) {
	ctx, span := p.tracer.Start(ctx, "outbox.publish_tick")
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			err = fmt.Errorf("outbox publish tick panic: %v", r)
			res = TickResult{}
		}
		span.SetAttributes(
			attribute.Int("outbox.claimed", res.Claimed),
			attribute.Int("outbox.published", res.Published),
			attribute.Int("outbox.retried", res.Retried),
			attribute.Int("outbox.dead_lettered", res.DeadLettered),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res = TickResult{}
		batch, err := p.repo.ClaimBatch(ctx, tx, p.batchSize)
		if err != nil {
			return err
		}
		res.Claimed = len(batch)
		for i := range batch {
			if err := p.deliver(ctx, tx, &batch[i], &res); err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

// deliver 单条事件：成功标记已发布，失败按退避重排或进入死信；仅数据库错误向上返回
func (p *OutboxPublisher) deliver(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent, res *TickResult) error {
	sendErr := p.send(ctx, evt)
	if sendErr == nil {
		if err := p.repo.MarkPublished(ctx, tx, evt.ID); err != nil {
			return err
		}
		res.Published++
		return nil
	}

	attempt := evt.AttemptCount + 1
	if attempt >= p.repo.MaxAttempts() {
		if err := p.repo.MarkDeadLettered(ctx, tx, evt.ID, sendErr.Error()); err != nil {
			return err
		}
		res.DeadLettered++
		logger.Error("outbox event dead-lettered",
			zap.Int64("event_id", evt.ID),
			zap.String("event_type", evt.EventType),
			zap.String("entity_type", evt.EntityType),
			zap.Int64("entity_id", evt.EntityID),
			zap.Int("attempts", attempt),
			zap.Error(sendErr),
		)
		p.report(evt, attempt, sendErr)
		return nil
	}

	next := p.now().Add(RetryDelay(p.backoff, attempt))
	if err := p.repo.MarkFailed(ctx, tx, evt.ID, next, sendErr.Error()); err != nil {
		return err
	}
	res.Retried++
	logger.Warn("outbox publish failed, will retry",
		zap.Int64("event_id", evt.ID),
		zap.Int("attempt", attempt),
		zap.Time("next_attempt_at", next),
		zap.Error(sendErr),
	)
	return nil
}

func (p *OutboxPublisher) send(ctx context.Context, evt *model.OutboxEvent) error {
	rooms, err := realtime.Rooms(evt)
	if err != nil {
		return err
	}
	msg, err := realtime.BuildMessage(evt, p.now())
	if err != nil {
		return err
	}
	frame, err := realtime.EncodeFrame(msg.FrameType(), msg)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if err := p.bus.Publish(ctx, room, frame); err != nil {
			return err
		}
	}
	return nil
}

func (p *OutboxPublisher) report(evt *model.OutboxEvent, attempts int, cause error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("event_type", evt.EventType)
		scope.SetTag("entity_type", evt.EntityType)
		scope.SetExtra("event_id", evt.ID)
		scope.SetExtra("entity_id", evt.EntityID)
		scope.SetExtra("attempts", attempts)
		scope.SetExtra("error", cause.Error())
		sentry.CaptureMessage(fmt.Sprintf("outbox event %d dead-lettered", evt.ID))
	})
}
