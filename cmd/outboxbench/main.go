package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/crm-realtime/config"
	"github.com/d60-Lab/crm-realtime/internal/model"
	"github.com/d60-Lab/crm-realtime/internal/realtime"
	"github.com/d60-Lab/crm-realtime/internal/repository"
	"github.com/d60-Lab/crm-realtime/internal/service"
	"github.com/d60-Lab/crm-realtime/pkg/database"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 {
			return v
		}
	}
	return def
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range vs {
		sum += d
	}
	return sum / time.Duration(len(vs))
}

// landingBus 记录每个事件从写入到广播的耗时
type landingBus struct {
	mu      sync.Mutex
	emitted map[int64]time.Time
	landed  chan time.Duration
	frames  atomic.Int64
}

func (b *landingBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.frames.Add(1)
	var f realtime.Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	var msg realtime.Message
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		return err
	}
	b.mu.Lock()
	st, ok := b.emitted[msg.EventID]
	delete(b.emitted, msg.EventID)
	b.mu.Unlock()
	if ok {
		b.landed <- time.Since(st)
	}
	return nil
}

func (b *landingBus) ConnectedClients() int { return 0 }

func (b *landingBus) mark(id int64, at time.Time) {
	b.mu.Lock()
	b.emitted[id] = at
	b.mu.Unlock()
}

func main() {
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	if err := database.AutoMigrate(db); err != nil {
		panic(err)
	}

	EVENTS := envInt("EVENTS", 2000)
	PROJECTS := envInt("PROJECTS", 20)
	PUBLISHERS := envInt("PUBLISHERS", 2)
	BATCH := envInt("BATCH", service.DefaultBatchSize)
	INTERVAL := time.Duration(envInt("INTERVAL_MS", 50)) * time.Millisecond

	// 清空表，保证每次运行可复现
	if cfg.Database.Driver == "postgres" {
		_ = db.Exec("TRUNCATE TABLE realtime_outbox, realtime_audit_log RESTART IDENTITY").Error
	} else {
		_ = db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.OutboxEvent{}).Error
		_ = db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.AuditLog{}).Error
	}

	outbox := repository.NewOutboxRepository(db, repository.WithMaxAttempts(cfg.Realtime.MaxAttempts))
	emitter := realtime.NewEmitter(outbox, repository.NewAuditRepository(db))
	bus := &landingBus{emitted: make(map[int64]time.Time, EVENTS), landed: make(chan time.Duration, EVENTS)}

	ctx := context.Background()
	stops := make([]func(context.Context) error, 0, PUBLISHERS)
	for i := 0; i < PUBLISHERS; i++ {
		p := service.NewOutboxPublisher(db, outbox, bus,
			service.WithBatchSize(BATCH),
			service.WithInterval(INTERVAL),
		)
		stops = append(stops, p.Start(ctx))
	}
	defer func() {
		for _, stop := range stops {
			_ = stop(context.Background())
		}
	}()

	emitDurations := make([]time.Duration, 0, EVENTS)
	for i := 0; i < EVENTS; i++ {
		pid := int64(i%PROJECTS + 1)
		st := time.Now()
		err := db.Transaction(func(tx *gorm.DB) error {
			evt, err := emitter.EmitChanged(ctx, tx, realtime.ChangeParams{
				EntityType: "task",
				EntityID:   int64(i + 1),
				ProjectID:  &pid,
				EventType:  realtime.EventUpdated,
			})
			if err != nil {
				return err
			}
			bus.mark(evt.ID, st)
			return nil
		})
		if err != nil {
			panic(err)
		}
		emitDurations = append(emitDurations, time.Since(st))
	}

	land := make([]time.Duration, 0, EVENTS)
	timeout := time.After(2 * time.Minute)
collect:
	for len(land) < EVENTS {
		select {
		case d := <-bus.landed:
			land = append(land, d)
		case <-timeout:
			fmt.Printf("timeout while waiting for publish: got=%d want=%d\n", len(land), EVENTS)
			break collect
		}
	}

	stats, err := outbox.Stats(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("driver=%s EVENTS=%d PROJECTS=%d PUBLISHERS=%d BATCH=%d INTERVAL=%v\n",
		cfg.Database.Driver, EVENTS, PROJECTS, PUBLISHERS, BATCH, INTERVAL)
	fmt.Printf("Emit tx latency: avg=%v p95=%v p99=%v\n", avg(emitDurations), pct(emitDurations, 0.95), pct(emitDurations, 0.99))
	fmt.Printf("Publish landing (emit->broadcast): samples=%d avg=%v p95=%v p99=%v\n", len(land), avg(land), pct(land, 0.95), pct(land, 0.99))
	fmt.Printf("Frames=%d pending=%d deadLettered=%d\n", bus.frames.Load(), stats.Pending, stats.DeadLettered)
}
