package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/relay/internal/auth"
)

// AdminTokenHeader 管理令牌请求头
const AdminTokenHeader = "X-Admin-Token"

// AdminAuth 管理员权限中间件
type AdminAuth struct {
	gate *auth.AdminGate
	log  *zap.Logger
}

// NewAdminAuth 创建管理员权限中间件
func NewAdminAuth(gate *auth.AdminGate, logger *zap.Logger) *AdminAuth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminAuth{gate: gate, log: logger}
}

// RequireAdmin 要求请求携带正确的管理令牌
func (a *AdminAuth) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := a.gate.Verify(c.GetHeader(AdminTokenHeader))
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, auth.ErrAdminDisabled):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "msg": "管理接口未启用"})
		default:
			a.log.Warn("admin authentication failed", zap.String("ip", c.ClientIP()), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "管理令牌无效"})
		}
	}
}
