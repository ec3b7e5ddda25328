package presence

import (
	"context"

	"github.com/d60-Lab/crm-realtime/internal/coordinator"
)

const (
	KindMemory = "memory"
	KindRedis  = "redis"
)

// Backend 启动时按是否配置协调存储二选一
type Backend struct {
	Kind     string
	Presence Registry
	Editing  EditingRegistry

	sweeper *sweeper
}

func NewBackend(coord *coordinator.Coordinator, opts Options) *Backend {
	opts = opts.withDefaults()
	if coord.Enabled() {
		return &Backend{
			Kind:     KindRedis,
			Presence: NewRedisRegistry(coord, opts),
			Editing:  NewRedisEditing(coord, opts),
		}
	}
	reg := NewMemoryRegistry(opts)
	ed := NewMemoryEditing(opts)
	return &Backend{
		Kind:     KindMemory,
		Presence: reg,
		Editing:  ed,
		sweeper:  &sweeper{interval: opts.SweepInterval, targets: []interface{ Sweep() int }{reg, ed}},
	}
}

// Start 内存后端启动周期清理；Redis 后端依赖键过期，无需后台任务
func (b *Backend) Start(ctx context.Context) {
	if b.sweeper != nil {
		b.sweeper.Start(ctx)
	}
}

func (b *Backend) Stop() {
	if b.sweeper != nil {
		b.sweeper.Stop()
	}
}
