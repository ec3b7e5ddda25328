package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/crm-realtime/internal/api/middleware"
	"github.com/d60-Lab/crm-realtime/internal/realtime"
	"github.com/d60-Lab/crm-realtime/internal/repository"
	"github.com/d60-Lab/crm-realtime/pkg/response"
)

// Health outbox 积压与在线连接数
// @Summary 实时通道健康指标
// @Tags 实时
// @Produce json
// @Success 200 {object} response.Response{data=model.OutboxStats}
// @Failure 500 {object} response.Response
// @Router /api/v1/realtime/health [get]
func (h *Handler) Health(c *gin.Context) {
	stats, err := h.outbox.Stats(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	stats.ConnectedClients = h.bus.ConnectedClients()
	response.Success(c, gin.H{
		"pending":                 stats.Pending,
		"oldestPendingAgeSeconds": stats.OldestPendingAgeSeconds,
		"deadLettered":            stats.DeadLettered,
		"connectedClients":        stats.ConnectedClients,
		"presenceBackend":         h.backendKind,
	})
}

// DeadLetters 死信列表
// @Summary 查询死信事件
// @Tags 实时
// @Produce json
// @Param limit query int false "条数" default(100)
// @Success 200 {object} response.Response{data=[]model.OutboxEvent}
// @Router /api/v1/realtime/dead-letters [get]
func (h *Handler) DeadLetters(c *gin.Context) {
	limit, ok := parseLimit(c, defaultListLimit)
	if !ok {
		return
	}
	list, err := h.outbox.ListDeadLettered(c.Request.Context(), limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"list": list, "limit": limit})
}

// Events 断线续传：返回游标之后已发布的事件
// @Summary 按游标续传事件
// @Tags 实时
// @Produce json
// @Param after query int false "游标（上次收到的 eventId）" default(0)
// @Param project_id query []int false "订阅的项目" collectionFormat(multi)
// @Param limit query int false "条数"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Router /api/v1/realtime/events [get]
func (h *Handler) Events(c *gin.Context) {
	ident, _ := middleware.GetIdentity(c)
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		response.BadRequest(c, "invalid after")
		return
	}
	limit, ok := parseLimit(c, h.resumeLimit)
	if !ok {
		return
	}
	filter := repository.ScopeFilter{UserID: &ident.UserID}
	for _, raw := range c.QueryArray("project_id") {
		pid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || pid <= 0 {
			response.BadRequest(c, "invalid project_id")
			return
		}
		filter.ProjectIDs = append(filter.ProjectIDs, pid)
	}

	rows, err := h.outbox.ListPublishedAfter(c.Request.Context(), after, filter, limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	events := make([]*realtime.Message, 0, len(rows))
	cursor := after
	for i := range rows {
		msg, err := realtime.BuildMessage(&rows[i], *rows[i].PublishedAt)
		if err != nil {
			response.InternalError(c, err)
			return
		}
		events = append(events, msg)
		cursor = rows[i].ID
	}
	response.Success(c, gin.H{"events": events, "cursor": cursor, "hasMore": len(rows) == limit})
}

// AuditTrail 实体的变更审计
// @Summary 实体审计记录
// @Tags 实时
// @Produce json
// @Param type path string true "实体类型"
// @Param id path int true "实体ID"
// @Param limit query int false "条数" default(100)
// @Success 200 {object} response.Response{data=[]model.AuditLog}
// @Failure 400 {object} response.Response
// @Router /api/v1/realtime/audit/{type}/{id} [get]
func (h *Handler) AuditTrail(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, ok := parseLimit(c, defaultListLimit)
	if !ok {
		return
	}
	entityType := c.Param("type")
	list, err := h.audit.ListByEntity(c.Request.Context(), entityType, id, limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"entityType": entityType, "entityId": id, "list": list})
}

// ServeWS WebSocket 入口
// @Summary 实时 WebSocket
// @Tags 实时
// @Router /ws [get]
func (h *Handler) ServeWS(c *gin.Context) {
	ident, _ := middleware.GetIdentity(c)
	h.ws.ServeWS(c.Writer, c.Request, ident)
}

func parseLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		response.BadRequest(c, "invalid limit")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
