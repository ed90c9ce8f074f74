package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"QuoteHub/pkg/app"
	"QuoteHub/pkg/config"
	"QuoteHub/pkg/logger"
)

// 仅运行定时刷新，抓取结果写入共享持久层并发布到NATS
func main() {
	log := logger.GetLogger()
	log.Info("启动数据采集服务...")

	// 加载配置
	cfg, err := config.LoadConfig(config.GetDefaultConfigPath())
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	lc := cfg.Logging
	if err := log.Configure(lc.Level, lc.Format, lc.Output, lc.MaxAge); err != nil {
		log.Fatalf("配置日志失败: %v", err)
	}
	cfg.Scheduler.Enabled = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer a.Close()

	if err := a.Scheduler.Start(); err != nil {
		log.Fatalf("启动定时任务失败: %v", err)
	}

	// 等待中断信号
	<-ctx.Done()
	log.Info("正在关闭数据采集服务...")
	// 等待运行中的任务完成
	<-a.Scheduler.Stop().Done()
}
