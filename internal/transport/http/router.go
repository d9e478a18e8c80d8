package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bulkmail/backend/internal/config"
	"bulkmail/backend/internal/health"
	"bulkmail/backend/internal/middleware"
	"bulkmail/backend/internal/monitoring"
	"bulkmail/backend/internal/storage"
	"bulkmail/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Dispatcher   Dispatcher
	Store        storage.SendingRepository
	Tokens       middleware.TokenValidator
	WebSocketHub *websocket.Hub        // 可为 nil
	Health       *health.HealthChecker // 可为 nil
	Metrics      *monitoring.Metrics   // 可为 nil
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	if deps.Metrics != nil {
		mm := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
		router.Use(mm.PanicRecovery())
		router.Use(mm.HTTPMetrics())
	} else {
		router.Use(gin.Recovery())
	}
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 健康检查
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	} else {
		router.GET("/health/live", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	if deps.WebSocketHub != nil {
		router.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	jwtAuth := middleware.NewJWTAuth(deps.Tokens, deps.Logger)
	groups := NewGroupHandler(deps.Dispatcher, deps.Store, deps.Logger)

	v1 := router.Group("/api/v1")
	v1.Use(jwtAuth.RequireAuth())
	{
		groupRoutes := v1.Group("/groups")
		{
			groupRoutes.POST("/:id/start", groups.Start)
			groupRoutes.POST("/:id/cancel", groups.Cancel)
			groupRoutes.GET("/:id/progress", groups.Progress)
			groupRoutes.GET("/:id/items", groups.Items)
		}

		v1.GET("/status", jwtAuth.RequireAdmin(), groups.Status)
	}

	return router
}
