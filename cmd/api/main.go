package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"QuoteHub/pkg/api"
	"QuoteHub/pkg/app"
	"QuoteHub/pkg/config"
	"QuoteHub/pkg/logger"
)

func main() {
	log := logger.GetLogger()
	log.Info("启动API服务...")

	// 加载配置
	cfg, err := config.LoadConfig(config.GetDefaultConfigPath())
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	lc := cfg.Logging
	if err := log.Configure(lc.Level, lc.Format, lc.Output, lc.MaxAge); err != nil {
		log.Fatalf("配置日志失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("关闭连接失败")
		}
	}()

	if a.Scheduler != nil {
		if err := a.Scheduler.Start(); err != nil {
			log.Fatalf("启动定时任务失败: %v", err)
		}
		defer func() { <-a.Scheduler.Stop().Done() }()
	}

	// 创建API处理程序
	handlers := api.NewHandlers(api.Deps{
		Quotes:    a.Orchestrator,
		Cache:     a.Cache,
		Balancer:  a.Balancer,
		Watchlist: a.Watchlist,
		Monitor:   a.Monitor,
		Metrics:   a.Metrics.Handler(),
		TrendDays: cfg.Scheduler.TrendDays,
	})

	// 创建并启动服务器
	server := api.NewServer(api.ServerOptions{
		Port:         cfg.API.Port,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		Logger:       log,
	})
	server.SetupRoutes(handlers)
	if err := server.Start(ctx); err != nil {
		log.WithError(err).Error("API服务器异常退出")
	}
}
