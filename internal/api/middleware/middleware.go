package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/crm-realtime/internal/transport"
	"github.com/d60-Lab/crm-realtime/pkg/logger"
	"github.com/d60-Lab/crm-realtime/pkg/response"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"

	identityKey = "identity"
)

// Identity 解析上游网关注入的用户头（认证本身在网关完成）
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderUserID)
		if raw == "" {
			c.Next()
			return
		}
		uid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || uid <= 0 {
			response.BadRequest(c, "invalid "+HeaderUserID)
			c.Abort()
			return
		}
		c.Set(identityKey, transport.Identity{
			UserID: uid,
			Name:   c.GetHeader(HeaderUserName),
			Role:   c.GetHeader(HeaderUserRole),
		})
		c.Next()
	}
}

// RequireIdentity 没有用户头时返回 401
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			response.Unauthorized(c, "missing "+HeaderUserID)
			c.Abort()
			return
		}
		c.Next()
	}
}

func GetIdentity(c *gin.Context) (transport.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return transport.Identity{}, false
	}
	id, ok := v.(transport.Identity)
	return id, ok
}

// Logger 访问日志
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Debug("http request", fields...)
	}
}

// Sentry 每个请求克隆 hub 并上报 panic；Repanic 交给 Recovery 写响应
func Sentry() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{Repanic: true, Timeout: 2 * time.Second})
}

// Recovery 兜底 panic，记录日志并返回 500；需注册在 Sentry 之前
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("http panic recovered", zap.String("path", c.Request.URL.Path), zap.Any("panic", r))
				_ = c.Error(fmt.Errorf("panic: %v", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.Response{
					Code:    http.StatusInternalServerError,
					Message: "internal server error",
				})
			}
		}()
		c.Next()
	}
}
