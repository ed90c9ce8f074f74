package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"QuoteHub/pkg/balancer"
	"QuoteHub/pkg/breaker"
	"QuoteHub/pkg/cache"
	"QuoteHub/pkg/calendar"
	"QuoteHub/pkg/collector"
	"QuoteHub/pkg/config"
	"QuoteHub/pkg/database"
	"QuoteHub/pkg/logger"
	"QuoteHub/pkg/messaging"
	"QuoteHub/pkg/metrics"
	"QuoteHub/pkg/model"
	"QuoteHub/pkg/monitor"
	"QuoteHub/pkg/orchestrator"
	"QuoteHub/pkg/repository"
	"QuoteHub/pkg/scheduler"
)

// 探活间隔
const checkInterval = time.Minute

// App 进程内共享的组件
type App struct {
	Config       *config.Config
	Log          *logger.Log
	Calendar     *calendar.Calendar
	TTL          *calendar.TTLStrategy
	Breaker      *breaker.CircuitBreaker
	Balancer     *balancer.LoadBalancer
	Cache        *cache.TieredCache
	Orchestrator *orchestrator.Orchestrator
	Watchlist    *repository.Watchlist
	Monitor      *monitor.Monitor
	Metrics      *metrics.Metrics
	Scheduler    *scheduler.Scheduler
	NATS         *messaging.NATSClient

	closers []func() error
}

// BalancerConfig 配置转换，未知市场的权重被忽略
func BalancerConfig(c config.BalancerConfig) balancer.Config {
	out := balancer.Config{
		PoolSize:      c.PoolSize,
		CallTimeout:   c.CallTimeout,
		WeightRefresh: c.WeightRefresh,
		MinSamples:    c.MinSamples,
		MultiplierMin: c.MultiplierMin,
		MultiplierMax: c.MultiplierMax,
		Weights:       make(map[model.Market]map[string]float64),
		RateLimits:    make(map[string]balancer.RateLimit),
	}
	for name, weights := range c.Weights {
		m, ok := model.ParseMarket(name)
		if !ok {
			continue
		}
		out.Weights[m] = weights
	}
	for provider, rl := range c.RateLimits {
		out.RateLimits[provider] = balancer.RateLimit{RequestsPerSecond: rl.RequestsPerSecond, Burst: rl.Burst}
	}
	return out
}

// Sources 已注册的数据源
func Sources(cfg *config.Config) map[string]collector.Source {
	ds := cfg.DataSources
	sources := []collector.Source{
		collector.NewTushareAdapter(ds.Tushare.APIKey, ds.Tushare.BaseURL, ds.Tushare.Timeout),
		collector.NewAKShareAdapter(ds.AKShare.BaseURL, ds.AKShare.Timeout),
	}
	out := make(map[string]collector.Source, len(sources))
	for _, s := range sources {
		out[s.Name()] = s
	}
	return out
}

// openStore 按配置打开持久层
func (a *App) openStore() (cache.Store, error) {
	switch a.Config.Cache.Durable {
	case "database":
		db, err := database.Open(a.Config.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return db.Cache(), nil
	case "redis":
		rc := a.Config.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		a.closers = append(a.closers, client.Close)
		return cache.NewRedisStore(client, rc.KeyPrefix), nil
	case "memory":
		return cache.NewMemoryStore(), nil
	default:
		return nil, &config.ConfigError{Field: "cache.durable", Reason: fmt.Sprintf("不支持的持久层 %q", a.Config.Cache.Durable)}
	}
}

// New 按配置装配所有组件，ctx 结束后后台任务停止
func New(ctx context.Context, cfg *config.Config, log *logger.Log) (*App, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	a := &App{Config: cfg, Log: log}
	entry := log.WithComponent("app")

	cal, err := calendar.New(cfg.Calendar.Holidays)
	if err != nil {
		return nil, err
	}
	a.Calendar = cal
	a.TTL = calendar.NewTTLStrategy(cal, cfg.Cache.OpenTTL)

	a.Metrics = metrics.New()
	a.Monitor = monitor.NewMonitor(func(component, status, message string) {
		entry.WithFields(logger.Fields{"target": component, "status": status}).Warn("组件告警: " + message)
	})

	a.Breaker = breaker.New(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.Cooldown,
		breaker.WithStateChange(a.Metrics.ObserveBreaker),
		breaker.WithStateChange(a.Monitor.ObserveBreaker),
	)
	a.Balancer = balancer.New(a.Breaker, BalancerConfig(cfg.Balancer),
		balancer.WithObserver(a.Metrics),
		balancer.WithLogger(log),
	)

	routes, err := orchestrator.BuildRoutes(cfg.Routing, Sources(cfg))
	if err != nil {
		return nil, err
	}

	store, err := a.openStore()
	if err != nil {
		return nil, fmt.Errorf("打开持久层失败: %w", err)
	}

	mem := cache.NewMemoryCache(a.TTL, cache.MemoryOptions{
		SnapshotPath:     cfg.Cache.SnapshotPath,
		FlushDebounce:    cfg.Cache.FlushDebounce,
		EvictionInterval: cfg.Cache.EvictionInterval,
		Logger:           log,
	})
	if n, err := mem.Load(); err != nil {
		entry.WithError(err).Warn("载入缓存快照失败")
	} else if n > 0 {
		entry.WithField("entries", n).Info("已从快照预热一级缓存")
	}
	mem.Start(ctx)
	a.Cache = cache.NewTieredCache(mem, store, a.TTL, log, a.Metrics)

	opts := []orchestrator.Option{orchestrator.WithLogger(log)}
	if cfg.NATS.Enabled {
		nc, err := messaging.NewNATSClient(ctx, cfg.NATS.URL, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.NATS = nc
		a.closers = append(a.closers, nc.Close)
		opts = append(opts, orchestrator.WithPublisher(nc))
		a.Monitor.StartChecking(ctx, "nats", nc.Ping, checkInterval)
	}
	a.Orchestrator = orchestrator.New(a.Cache, a.Balancer, routes, opts...)

	a.Watchlist = repository.NewWatchlist(cfg.TrackedCodes...)
	a.Monitor.StartChecking(ctx, "durable:"+cfg.Cache.Durable, store.Ping, checkInterval)

	if cfg.Scheduler.Enabled {
		a.Scheduler = scheduler.NewScheduler(cfg.Scheduler, a.Orchestrator, a.Watchlist, a.SyncHealth, log)
	}
	return a, nil
}

// SyncHealth 将熔断状态同步到监控与指标
func (a *App) SyncHealth() {
	states := a.Breaker.Snapshot()
	a.Monitor.SyncBreakers(states)
	a.Metrics.SyncBreakers(states)
}

// Close 释放外部连接
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
