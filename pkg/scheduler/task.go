package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"QuoteHub/pkg/config"
	"QuoteHub/pkg/logger"
	"QuoteHub/pkg/model"
	"QuoteHub/pkg/orchestrator"
)

// QuoteService 定时任务调用的查询入口
type QuoteService interface {
	GetRealtimePrices(ctx context.Context, codes []string, opts orchestrator.QueryOptions) (map[string]model.PriceSnapshot, error)
	GetTrendData(ctx context.Context, codes []string, days int, opts orchestrator.QueryOptions) (*model.SeriesResult, error)
}

// CodeLister 需要刷新的代码来源
type CodeLister interface {
	ListTrackedCodes() []string
}

// Scheduler 任务调度器
type Scheduler struct {
	cron    *cron.Cron
	service QuoteService
	codes   CodeLister
	health  func()
	cfg     config.SchedulerConfig
	timeout time.Duration
	log     *logger.Entry
}

// NewScheduler 创建任务调度器，health 为空时不注册健康检查
func NewScheduler(cfg config.SchedulerConfig, service QuoteService, codes CodeLister, health func(), log *logger.Log) *Scheduler {
	if log == nil {
		log = logger.GetLogger()
	}
	cl := cron.PrintfLogger(log)
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		service: service,
		codes:   codes,
		health:  health,
		cfg:     cfg,
		timeout: 2 * time.Minute,
		log:     log.WithComponent("scheduler"),
	}
}

// Start 注册任务并启动调度器
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		// 盘中定时刷新实时行情
		{"price_refresh", s.cfg.PriceRefresh, func() { s.run("price_refresh", s.RefreshPrices) }},
		// 收盘后预热趋势数据
		{"trend_refresh", s.cfg.TrendRefresh, func() { s.run("trend_refresh", s.WarmTrends) }},
	}
	if s.health != nil {
		jobs = append(jobs, struct {
			name string
			spec string
			fn   func()
		}{"health_check", s.cfg.HealthCheck, s.health})
	}

	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("注册任务 %s 失败: %w", j.name, err)
		}
		s.log.WithFields(logger.Fields{"job": j.name, "spec": j.spec}).Info("注册定时任务")
	}
	s.cron.Start()
	return nil
}

// Stop 停止调度器，返回的 context 在运行中的任务结束后关闭
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) run(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		s.log.WithError(err).WithField("job", name).Error("定时任务失败")
		return
	}
	logger.LogPerformance(s.log, name, time.Since(start), nil)
}

// RefreshPrices 刷新关注列表的实时行情，命中缓存的代码不会请求数据源
func (s *Scheduler) RefreshPrices(ctx context.Context) error {
	codes := s.codes.ListTrackedCodes()
	if len(codes) == 0 {
		return nil
	}
	got, err := s.service.GetRealtimePrices(ctx, codes, orchestrator.QueryOptions{})
	if err != nil {
		return err
	}
	s.log.WithFields(logger.Fields{"requested": len(codes), "served": len(got)}).Debug("行情刷新完成")
	return nil
}

// WarmTrends 预热关注列表的趋势数据
func (s *Scheduler) WarmTrends(ctx context.Context) error {
	codes := s.codes.ListTrackedCodes()
	if len(codes) == 0 {
		return nil
	}
	days := s.cfg.TrendDays
	if days < 2 {
		days = 60
	}
	res, err := s.service.GetTrendData(ctx, codes, days, orchestrator.QueryOptions{})
	if err != nil {
		return err
	}
	s.log.WithFields(logger.Fields{"requested": len(codes), "served": len(res.Stocks), "days": days}).Debug("趋势预热完成")
	return nil
}
