package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"QuoteHub/pkg/logger"
)

// Server API服务器
type Server struct {
	router *gin.Engine
	srv    *http.Server
	log    *logger.Entry
}

// ServerOptions 服务器参数
type ServerOptions struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *logger.Log
}

// NewServer 创建新的API服务器
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}
	if opts.Port == "" {
		opts.Port = "8080"
	}
	log := opts.Logger.WithComponent("api")

	router := gin.New()
	// 设置中间件
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	srv := &http.Server{
		Addr:         ":" + opts.Port,
		Handler:      router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}

	return &Server{
		router: router,
		srv:    srv,
		log:    log,
	}
}

// Router 底层路由
func (s *Server) Router() *gin.Engine {
	return s.router
}

// requestLogger 请求日志
func requestLogger(log *logger.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(logger.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
			"client_ip":   c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("请求失败")
			return
		}
		entry.Debug("请求完成")
	}
}

// SetupRoutes 设置路由
func (s *Server) SetupRoutes(handlers *Handlers) {
	// 健康检查
	s.router.GET("/health", handlers.HealthCheck)
	s.router.GET("/ready", handlers.ReadinessCheck)
	if handlers.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(handlers.Metrics))
	}

	// API v1 路由组
	v1 := s.router.Group("/api/v1")
	{
		// 行情接口
		v1.GET("/quotes", handlers.GetQuotes)
		v1.GET("/trend", handlers.GetTrend)

		// 数据源与缓存管理
		v1.GET("/providers", handlers.GetProviders)
		v1.POST("/providers/:name/reset", handlers.ResetProvider)
		v1.DELETE("/cache", handlers.DeleteCache)

		// 关注列表
		v1.GET("/watchlist", handlers.ListWatchlist)
		v1.POST("/watchlist", handlers.AddWatch)
		v1.DELETE("/watchlist/:id", handlers.RemoveWatch)
	}
}

// Start 启动服务器，ctx 结束后优雅关闭
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.srv.Addr).Info("API服务器启动")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.log.Info("正在关闭服务器...")

	// 设置超时上下文
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 优雅关闭
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("服务器已关闭")
	return nil
}
