package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/crm-realtime/internal/presence"
	"github.com/d60-Lab/crm-realtime/pkg/response"
)

// ListOnline 全局在线
// @Summary 在线用户
// @Tags 在线状态
// @Produce json
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/presence [get]
func (h *Handler) ListOnline(c *gin.Context) {
	recs, err := h.presence.ListGlobal(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"users": presence.DistinctUsers(recs), "connections": recs})
}

// ListProjectPresence 项目内在线
// @Summary 项目在线用户
// @Tags 在线状态
// @Param id path int true "项目ID"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/presence/projects/{id} [get]
func (h *Handler) ListProjectPresence(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	recs, err := h.presence.ListByProject(c.Request.Context(), id)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"projectId": id, "users": presence.DistinctUsers(recs), "connections": recs})
}

// ListEntityPresence 正在查看某实体的用户
// @Summary 实体查看者
// @Tags 在线状态
// @Param type path string true "实体类型"
// @Param id path int true "实体ID"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/presence/entities/{type}/{id} [get]
func (h *Handler) ListEntityPresence(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	entityType := c.Param("type")
	recs, err := h.presence.ListByEntity(c.Request.Context(), entityType, id)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"entityType": entityType, "entityId": id, "connections": recs})
}

// UserPresence 某用户是否在线
// @Summary 用户在线状态
// @Tags 在线状态
// @Param id path int true "用户ID"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/presence/users/{id} [get]
func (h *Handler) UserPresence(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	recs, err := h.presence.ListByUser(c.Request.Context(), id)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"userId": id, "online": len(recs) > 0, "connections": recs})
}

// ListEditors 正在编辑某实体的用户（软锁，仅提示）
// @Summary 实体编辑者
// @Tags 在线状态
// @Param type path string true "实体类型"
// @Param id path int true "实体ID"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/editing/{type}/{id} [get]
func (h *Handler) ListEditors(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	entityType := c.Param("type")
	entries, err := h.editing.List(c.Request.Context(), entityType, id)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"entityType": entityType, "entityId": id, "editors": entries})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}
