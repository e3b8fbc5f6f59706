package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/relay/internal/auth"
	"tempmail/relay/internal/config"
	"tempmail/relay/internal/health"
	"tempmail/relay/internal/middleware"
	"tempmail/relay/internal/monitoring"
	"tempmail/relay/internal/service"
	"tempmail/relay/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	AccountService *service.AccountService
	SyncService    *service.SyncService
	MessageService *service.MessageService
	DomainService  *service.DomainService
	AdminService   *service.AdminService
	SessionTokens  *auth.SessionTokens
	AdminGate      *auth.AdminGate
	WebSocketHub   *websocket.Hub      // 为空时不注册 /v1/ws
	Health         *health.Checker     // 为空时不注册健康检查
	Metrics        *monitoring.Metrics // 为空时不注册 /metrics
	Limiter        *middleware.AllocationLimiter
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = middleware.NewAllocationLimiter(deps.Config.Security.AllocationsPerMinute, deps.Metrics)
	}

	router := gin.New()

	mon := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
	router.Use(mon.PanicRecovery())
	router.Use(middleware.RequestLogger(logger.Named("http")))
	router.Use(middleware.SecurityHeaders())
	router.Use(mon.HTTPMetrics())
	router.Use(middleware.BodySizeLimit(middleware.SmallBodyLimit))
	router.Use(gincors.New(corsConfig(deps.Config.CORS.AllowedOrigins)))

	identity := middleware.NewSessionIdentity(deps.SessionTokens, deps.Config.Session.Secure, logger.Named("identity"))
	adminAuth := middleware.NewAdminAuth(deps.AdminGate, logger.Named("admin"))

	emailHandler := NewEmailHandler(deps.AccountService, deps.SyncService, deps.DomainService, identity, limiter, logger)
	messageHandler := NewMessageHandler(deps.AccountService, deps.MessageService, deps.SyncService, logger)
	adminHandler := NewAdminHandler(deps.AdminService, logger)

	if deps.Health != nil {
		router.GET("/health", func(c *gin.Context) {
			report := deps.Health.Check(c.Request.Context())
			status := http.StatusOK
			if report.Status == health.StatusUnhealthy {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, report)
		})
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// V1 API
	v1 := router.Group("/v1")
	{
		session := v1.Group("")
		session.Use(identity.Handler())
		{
			session.GET("/email", emailHandler.GetEmail)
			session.POST("/email", emailHandler.AllocateEmail)
			session.POST("/email/release", emailHandler.ReleaseEmail)
			session.GET("/email/history", emailHandler.History)

			session.GET("/messages", messageHandler.ListMessages)
			session.GET("/messages/:id", messageHandler.GetMessage)
			session.GET("/messages/:id/source", messageHandler.DownloadSource)
			session.GET("/messages/:id/attachments/:attachmentId", messageHandler.DownloadAttachment)

			if deps.WebSocketHub != nil {
				session.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub, middleware.SessionKeyFrom))
			}
		}

		v1.GET("/domains", emailHandler.ListDomains)

		adminRoutes := v1.Group("/admin")
		adminRoutes.Use(adminAuth.RequireAdmin())
		{
			adminRoutes.GET("/statistics", adminHandler.GetStatistics)
			adminRoutes.GET("/accounts", adminHandler.ListAccounts)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, "接口不存在")
	})

	return router
}

func corsConfig(origins []string) gincors.Config {
	cfg := gincors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.AdminTokenHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowOrigins = nil
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			break
		}
	}
	return cfg
}
