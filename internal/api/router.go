package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/selivandex/market-etl/pkg/logger"
)

// RequestObserver records request latency per route
type RequestObserver interface {
	ObserveRequest(route string, elapsed time.Duration)
}

// NewRouter wires the handler onto a gin engine.
// Every route is served at the root and under /api/v1.
func NewRouter(h *Handler, observer RequestObserver, metrics http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), observeLatency(observer))

	for _, g := range []*gin.RouterGroup{&r.RouterGroup, r.Group("/api/v1")} {
		g.GET("/data", h.GetData)
		g.GET("/stats", h.GetStats)
		g.GET("/trigger-etl", h.TriggerETL)
		g.GET("/health", h.Health)
		g.HEAD("/health", h.Health)
		g.GET("/ready", h.Ready)
		if metrics != nil {
			g.GET("/metrics", gin.WrapH(metrics))
		}
	}

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("http request", fields...)
			return
		}
		logger.Debug("http request", fields...)
	}
}

func observeLatency(observer RequestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if observer == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observer.ObserveRequest(route, time.Since(start))
	}
}
