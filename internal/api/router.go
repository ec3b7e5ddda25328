package api

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/crm-realtime/internal/api/handler"
	"github.com/d60-Lab/crm-realtime/internal/api/middleware"
)

// RouterOptions 路由配置
type RouterOptions struct {
	Mode        string
	ServiceName string
	Tracing     bool
}

// NewRouter 注册全部路由；/ws 不走 gzip
func NewRouter(h *handler.Handler, opts RouterOptions) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Sentry(), middleware.Logger())
	if opts.Tracing {
		r.Use(otelgin.Middleware(opts.ServiceName))
	}
	r.Use(middleware.Identity())

	r.GET("/ws", middleware.RequireIdentity(), h.ServeWS)

	v1 := r.Group("/api/v1")
	v1.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		rt := v1.Group("/realtime")
		rt.GET("/health", h.Health)
		rt.GET("/dead-letters", h.DeadLetters)
		rt.GET("/events", middleware.RequireIdentity(), h.Events)
		rt.GET("/audit/:type/:id", middleware.RequireIdentity(), h.AuditTrail)

		pr := v1.Group("/presence")
		pr.GET("", h.ListOnline)
		pr.GET("/projects/:id", h.ListProjectPresence)
		pr.GET("/entities/:type/:id", h.ListEntityPresence)
		pr.GET("/users/:id", h.UserPresence)

		v1.GET("/editing/:type/:id", h.ListEditors)
	}
	return r
}
