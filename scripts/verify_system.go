package main

import (
	"context"
	"os"
	"time"

	"QuoteHub/pkg/app"
	"QuoteHub/pkg/config"
	"QuoteHub/pkg/logger"
	"QuoteHub/pkg/orchestrator"
)

// 对已部署环境做一次端到端验证：抓取、缓存命中、趋势合并
func main() {
	log := logger.GetLogger()
	log.Info("开始系统验证...")

	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/dev/app.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	cfg.Scheduler.Enabled = false

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer a.Close()

	codes := a.Watchlist.ListTrackedCodes()
	if len(codes) == 0 {
		log.Fatal("tracked_codes 为空，无可验证的代码")
	}

	testRealtime(ctx, log, a, codes)
	testTrend(ctx, log, a, codes, cfg.Scheduler.TrendDays)

	a.SyncHealth()
	for _, st := range a.Monitor.GetAllStatus() {
		log.WithFields(logger.Fields{"target": st.Component, "status": st.Status}).Info("组件状态")
	}
	log.Info("系统验证完成")
}

// 测试实时行情，第二次请求应全部命中缓存
func testRealtime(ctx context.Context, log *logger.Log, a *app.App, codes []string) {
	log.Info("测试实时行情...")
	quotes, err := a.Orchestrator.GetRealtimePrices(ctx, codes, orchestrator.QueryOptions{ForceRefresh: true})
	if err != nil {
		log.WithError(err).Warn("抓取存在错误")
	}
	for code, q := range quotes {
		log.WithFields(logger.Fields{"code": code, "price": q.Price, "change_pct": q.ChangePct, "degraded": q.Degraded}).Info("行情")
	}

	cached, err := a.Orchestrator.GetRealtimePrices(ctx, codes, orchestrator.QueryOptions{ReadOnly: true})
	if err != nil {
		log.WithError(err).Warn("只读查询存在错误")
	}
	log.WithFields(logger.Fields{"fetched": len(quotes), "cached": len(cached)}).Info("缓存命中检查")
}

// 测试趋势数据
func testTrend(ctx context.Context, log *logger.Log, a *app.App, codes []string, days int) {
	log.Info("测试趋势数据...")
	result, err := a.Orchestrator.GetTrendData(ctx, codes, days, orchestrator.QueryOptions{})
	if err != nil {
		log.WithError(err).Warn("趋势查询存在错误")
	}
	if result == nil {
		return
	}
	for _, s := range result.Stocks {
		log.WithFields(logger.Fields{"code": s.Code, "points": len(s.Points), "end": s.DataEndDate, "degraded": s.Degraded}).Info("趋势")
	}
}
