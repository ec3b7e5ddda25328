package handler

import (
	"github.com/d60-Lab/crm-realtime/internal/presence"
	"github.com/d60-Lab/crm-realtime/internal/repository"
	"github.com/d60-Lab/crm-realtime/internal/transport"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Handler HTTP 处理器
type Handler struct {
	outbox      repository.OutboxRepository
	audit       repository.AuditRepository
	bus         transport.Broadcaster
	ws          *transport.Server
	presence    presence.Registry
	editing     presence.EditingRegistry
	backendKind string
	resumeLimit int
}

// Deps 处理器依赖
type Deps struct {
	Outbox      repository.OutboxRepository
	Audit       repository.AuditRepository
	Bus         transport.Broadcaster
	WS          *transport.Server
	Presence    *presence.Backend
	ResumeLimit int
}

func New(d Deps) *Handler {
	limit := d.ResumeLimit
	if limit <= 0 || limit > maxListLimit {
		limit = 500
	}
	return &Handler{
		outbox:      d.Outbox,
		audit:       d.Audit,
		bus:         d.Bus,
		ws:          d.WS,
		presence:    d.Presence.Presence,
		editing:     d.Presence.Editing,
		backendKind: d.Presence.Kind,
		resumeLimit: limit,
	}
}
