package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/cling/api/handler"
	"github.com/sshcollectorpro/cling/internal/service"
	"github.com/sshcollectorpro/cling/pkg/logger"
)

// SetupRouter 设置路由；mode 为 gin 运行模式，空值按 release 处理
func SetupRouter(runService *service.RunService, mode string) *gin.Engine {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware())

	sessionHandler := handler.NewSessionHandler(runService)

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "cling",
			"version": "1.0.0",
			"status":  "running",
		})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", sessionHandler.Health)
		v1.GET("/personalities", sessionHandler.ListPersonalities)
		v1.GET("/classifiers", sessionHandler.ListClassifiers)
		v1.POST("/run", sessionHandler.Run)
		v1.POST("/discover", sessionHandler.Discover)
		v1.GET("/stats", sessionHandler.GetStats)

		tasks := v1.Group("/tasks")
		{
			tasks.GET("/:task_id", sessionHandler.GetTask)
			tasks.POST("/:task_id/cancel", sessionHandler.CancelTask)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware 请求ID中间件
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// LoggingMiddleware 日志中间件，4xx/5xx 记为 warn/error
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		statusCode := c.Writer.Status()
		entry := logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     statusCode,
			"duration":   time.Since(start),
			"client_ip":  c.ClientIP(),
		})
		switch {
		case statusCode >= 500:
			entry.Error("HTTP Error")
		case statusCode >= 400:
			entry.Warn("HTTP Error")
		default:
			entry.Info("HTTP Request")
		}
	}
}
