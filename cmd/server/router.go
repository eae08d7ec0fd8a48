package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zfogg/sidechain/realtime/internal/auth"
	"github.com/zfogg/sidechain/realtime/internal/config"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"github.com/zfogg/sidechain/realtime/internal/middleware"
	"github.com/zfogg/sidechain/realtime/internal/websocket"
)

const wsPath = "/api/v1/ws"

type routerDeps struct {
	cfg       *config.Config
	handler   *websocket.Handler
	verifier  auth.Verifier
	limiter   middleware.Limiter
	limit     middleware.RateLimitConfig
	metrics   *metrics.Metrics
	readiness func(context.Context) error
}

func newRouter(d routerDeps) *gin.Engine {
	if d.cfg.Service.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.GinLoggerMiddleware())
	r.Use(middleware.MetricsMiddleware(d.metrics))
	r.Use(middleware.TracingMiddleware(d.cfg.Service.Name))

	corsConfig := cors.DefaultConfig()
	if len(d.cfg.WebSocket.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = d.cfg.WebSocket.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Request-ID"}
	r.Use(cors.New(corsConfig))

	// Compressing an upgrade response breaks the handshake.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{wsPath, "/metrics"})))

	r.GET("/health", func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		if d.readiness != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := d.readiness(ctx); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		c.JSON(code, gin.H{
			"status":       status,
			"timestamp":    time.Now().UTC(),
			"service":      d.cfg.Service.Name,
			"online_users": d.handler.GetHub().OnlineCount(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	requireAuth := middleware.RequireAuth(d.verifier, d.cfg.Auth.VerifyTimeout)

	api := r.Group("/api/v1")
	{
		ws := api.Group("/ws")
		{
			// Credential via Authorization header, ?token=, or a first auth frame
			ws.GET("", middleware.RateLimit(d.limiter, d.limit, d.metrics), d.handler.HandleWebSocket)

			ws.GET("/online", requireAuth, d.handler.HandleOnlineUsers)
			ws.POST("/online", requireAuth, d.handler.HandleOnlineStatus)
			ws.GET("/metrics", requireAuth, d.handler.HandleMetrics)
		}
	}

	internal := r.Group("/internal/v1/events", middleware.RequireInternalKey(d.cfg.Auth.InternalAPIKey))
	{
		internal.POST("/broadcast", d.handler.HandlePublishBroadcast)
		internal.POST("/users/:id", d.handler.HandlePublishToUser)
	}

	return r
}
