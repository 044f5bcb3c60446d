package api

import (
	"time"

	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/internal/monitoring"
	"fleet-dispatcher/internal/tracing"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func NewRouter(
	cfg config.APIConfig,
	handler *Handler,
	metrics *monitoring.Metrics,
	tracingManager *tracing.TracingManager,
	logger *zap.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(secure.New(secure.Config{
		BrowserXssFilter:      true,
		ContentTypeNosniff:    true,
		FrameDeny:             true,
		ContentSecurityPolicy: "default-src 'self'",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}))
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	if tracingManager != nil {
		router.Use(tracingManager.TracingMiddleware())
	}
	router.Use(MetricsMiddleware(metrics))
	router.Use(GinLogger(logger))

	api := router.Group("/api/v1")
	{
		api.POST("/tasks", handler.SubmitTask)
		api.GET("/results/:id", handler.GetResult)
		api.GET("/fleet", handler.GetFleet)
		api.GET("/workers", handler.GetWorkers)
		api.GET("/workers/:id", handler.GetWorker)
	}

	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	return router
}

// corsConfig allows every origin when origins contains "*". Credentials are
// only allowed for an explicit origin list.
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "HEAD", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type", tracing.CorrelationIDHeader},
		ExposeHeaders: []string{"Content-Length", tracing.CorrelationIDHeader, tracing.TraceIDHeader},
		MaxAge:        12 * time.Hour,
	}

	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func GinLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		tracing.LoggerFor(c.Request.Context(), logger).Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}
