package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"QuoteHub/pkg/balancer"
	"QuoteHub/pkg/cache"
	"QuoteHub/pkg/calendar"
	"QuoteHub/pkg/logger"
	"QuoteHub/pkg/model"
)

// ErrInvalidDays 趋势窗口不足两天
var ErrInvalidDays = errors.New("趋势天数必须不小于2")

// QueryOptions 查询选项
type QueryOptions struct {
	// ForceRefresh 跳过两级缓存直接抓取
	ForceRefresh bool
	// ReadOnly 禁止任何上游请求，只返回缓存或降级数据，优先于 ForceRefresh
	ReadOnly bool
}

// Publisher 新抓取行情的发布方
type Publisher interface {
	PublishSnapshots(ctx context.Context, market model.Market, snaps []model.PriceSnapshot) error
}

// Orchestrator 行情抓取编排：缓存判定、分发、合并、降级与持久化
type Orchestrator struct {
	cache     *cache.TieredCache
	lb        *balancer.LoadBalancer
	ttl       *calendar.TTLStrategy
	routes    map[model.Market]Route
	publisher Publisher
	log       *logger.Entry
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithPublisher 抓取成功后发布行情
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithLogger 指定日志
func WithLogger(l *logger.Log) Option {
	return func(o *Orchestrator) { o.log = l.WithComponent("orchestrator") }
}

// New 创建编排器
func New(tc *cache.TieredCache, lb *balancer.LoadBalancer, routes map[model.Market]Route, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cache:  tc,
		lb:     lb,
		ttl:    tc.TTL(),
		routes: routes,
		log:    logger.GetLogger().WithComponent("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Routes 已配置路由的市场
func (o *Orchestrator) Routes() map[model.Market]Route {
	return o.routes
}

// GetRealtimePrices 批量获取实时行情；单个代码失败不报错，只有持久层故障才返回错误
func (o *Orchestrator) GetRealtimePrices(ctx context.Context, codes []string, opts QueryOptions) (map[string]model.PriceSnapshot, error) {
	codes = model.NormalizeCodes(codes)
	result := make(map[string]model.PriceSnapshot, len(codes))
	if len(codes) == 0 {
		return result, nil
	}
	j := newJob(o.log, model.KindPrice, len(codes))
	defer j.finish()

	force := opts.ForceRefresh && !opts.ReadOnly
	toFetch := codes
	if !force {
		hits, misses := o.cache.MemoryPrices(codes)
		for c, p := range hits {
			result[c] = p
		}
		j.stats.MemoryHits = len(hits)

		entries, err := o.cache.FreshEntries(ctx, misses, model.KindPrice)
		if err != nil {
			return result, err
		}
		toFetch = make([]string, 0, len(misses))
		for _, c := range misses {
			if e, ok := entries[c]; ok {
				if p, err := e.Price(); err == nil {
					result[c] = p
					o.cache.PromotePrice(p, e)
					j.stats.DurableHits++
					continue
				}
			}
			toFetch = append(toFetch, c)
		}
	}
	j.stats.Full = len(toFetch)

	fetched := make(map[string]model.PriceSnapshot, len(toFetch))
	var degrade []string
	if opts.ReadOnly {
		degrade = toFetch
	} else if len(toFetch) > 0 {
		j.enter(PhaseDispatching)
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for m, group := range model.GroupByMarket(toFetch) {
			m, group := m, group
			route, ok := o.routes[m]
			if !ok {
				j.log.WithFields(logger.Fields{"market": m, "codes": len(group)}).Warn("市场未配置路由，仅使用缓存")
				mu.Lock()
				degrade = append(degrade, group...)
				mu.Unlock()
				continue
			}
			g.Go(func() error {
				out := dispatchRoute(gctx, o.lb, m, route, group, priceProvider)
				mu.Lock()
				defer mu.Unlock()
				for c, p := range out.Results {
					fetched[c] = p
				}
				degrade = append(degrade, out.Unresolved...)
				degrade = append(degrade, out.RateLimited...)
				j.stats.Rounds += out.Rounds
				return nil
			})
		}
		_ = g.Wait()
	}

	j.enter(PhaseMerging)
	now := o.ttl.Now()
	snaps := make([]model.PriceSnapshot, 0, len(fetched))
	for c, p := range fetched {
		if p.FetchedAt.IsZero() {
			p.FetchedAt = now
		}
		if p.Code == "" {
			p.Code = c
		}
		if p.Market == "" {
			p.Market = model.MarketOf(c)
		}
		p.Degraded = false
		result[c] = p
		snaps = append(snaps, p)
	}
	j.stats.Fetched = len(snaps)

	var stageErr error
	if len(degrade) > 0 {
		stale, err := o.cache.StalePrices(ctx, degrade)
		for c, p := range stale {
			result[c] = p
		}
		j.stats.Degraded = len(stale)
		if err != nil {
			stageErr = err
		}
	}
	j.stats.Omitted = len(codes) - len(result)

	if len(snaps) > 0 {
		j.enter(PhasePersisting)
		if err := o.cache.SetPrices(ctx, snaps); err != nil {
			stageErr = errors.Join(stageErr, err)
		}
		o.publish(ctx, j, snaps)
	}
	if stageErr != nil {
		j.log.WithError(stageErr).Error("持久缓存不可用")
	}
	return result, stageErr
}

func (o *Orchestrator) publish(ctx context.Context, j *job, snaps []model.PriceSnapshot) {
	if o.publisher == nil {
		return
	}
	byMarket := make(map[model.Market][]model.PriceSnapshot)
	for _, p := range snaps {
		byMarket[p.Market] = append(byMarket[p.Market], p)
	}
	for m, group := range byMarket {
		if err := o.publisher.PublishSnapshots(ctx, m, group); err != nil {
			j.log.WithError(err).WithField("market", m).Warn("发布行情失败")
		}
	}
}

// seriesPlan 单个代码的序列抓取计划
type seriesPlan struct {
	code string
	base *model.SeriesRecord // 增量抓取的缓存基准，全量时为空
	gap  int                 // 增量抓取的天数，含缓存末日
}

// GetTrendData 批量获取days天的K线序列；数据不足两个点的代码从结果中省略
func (o *Orchestrator) GetTrendData(ctx context.Context, codes []string, days int, opts QueryOptions) (*model.SeriesResult, error) {
	if days < 2 {
		return nil, ErrInvalidDays
	}
	codes = model.NormalizeCodes(codes)
	records := make(map[string]model.SeriesRecord, len(codes))
	if len(codes) == 0 {
		return model.NewSeriesResult(nil), nil
	}
	j := newJob(o.log, model.KindSeries, len(codes))
	defer j.finish()

	force := opts.ForceRefresh && !opts.ReadOnly
	plans := make([]seriesPlan, 0, len(codes))
	if force {
		for _, c := range codes {
			plans = append(plans, seriesPlan{code: c})
		}
	} else {
		hits, misses := o.cache.MemorySeries(codes, days)
		for c, rec := range hits {
			records[c] = rec
		}
		j.stats.MemoryHits = len(hits)

		var err error
		plans, err = o.planSeries(ctx, j, misses, days, records)
		if err != nil {
			return o.seriesResult(codes, records), err
		}
	}

	var full, incremental []seriesPlan
	for _, p := range plans {
		if p.base != nil {
			incremental = append(incremental, p)
		} else {
			full = append(full, p)
		}
	}
	j.stats.Full, j.stats.Incremental = len(full), len(incremental)

	fetched := make(map[string]model.SeriesRecord)
	var degrade []string
	if opts.ReadOnly {
		for _, p := range plans {
			degrade = append(degrade, p.code)
		}
	} else if len(plans) > 0 {
		j.enter(PhaseDispatching)
		var mu sync.Mutex
		collect := func(out balancer.Outcome[model.SeriesRecord]) {
			mu.Lock()
			defer mu.Unlock()
			for c, rec := range out.Results {
				fetched[c] = rec
			}
			degrade = append(degrade, out.Unresolved...)
			degrade = append(degrade, out.RateLimited...)
			j.stats.Rounds += out.Rounds
		}

		g, gctx := errgroup.WithContext(ctx)
		schedule := func(batch []seriesPlan, n int) {
			if len(batch) == 0 {
				return
			}
			byCode := make([]string, len(batch))
			for i, p := range batch {
				byCode[i] = p.code
			}
			for m, group := range model.GroupByMarket(byCode) {
				m, group := m, group
				route, ok := o.routes[m]
				if !ok {
					j.log.WithFields(logger.Fields{"market": m, "codes": len(group)}).Warn("市场未配置路由，仅使用缓存")
					mu.Lock()
					degrade = append(degrade, group...)
					mu.Unlock()
					continue
				}
				g.Go(func() error {
					collect(dispatchRoute(gctx, o.lb, m, route, group, seriesProvider(n)))
					return nil
				})
			}
		}
		schedule(full, days)
		schedule(incremental, maxGap(incremental))
		_ = g.Wait()
	}

	j.enter(PhaseMerging)
	bases := make(map[string]*model.SeriesRecord, len(incremental))
	for _, p := range incremental {
		bases[p.code] = p.base
	}
	fetchedAt := o.ttl.Now()
	merged := make([]model.SeriesRecord, 0, len(fetched))
	for c, rec := range fetched {
		if rec.Code == "" {
			rec.Code = c
		}
		out, err := cache.MergeRecord(bases[c], rec, days)
		if err != nil {
			j.log.WithError(err).WithField("code", c).Debug("合并后数据不足，省略")
			continue
		}
		out.IsComplete = o.cache.SeriesComplete(c, fetchedAt)
		records[c] = out
		merged = append(merged, out)
	}
	j.stats.Fetched = len(merged)

	var stageErr error
	if len(degrade) > 0 {
		stale, err := o.cache.StaleSeries(ctx, degrade, days)
		for c, rec := range stale {
			records[c] = rec
		}
		j.stats.Degraded = len(stale)
		if err != nil {
			stageErr = err
		}
	}
	j.stats.Omitted = len(codes) - len(records)

	if len(merged) > 0 {
		j.enter(PhasePersisting)
		if err := o.cache.SetSeries(ctx, merged, fetchedAt); err != nil {
			stageErr = errors.Join(stageErr, err)
		}
	}
	if stageErr != nil {
		j.log.WithError(stageErr).Error("持久缓存不可用")
	}
	return o.seriesResult(codes, records), stageErr
}

// planSeries 读取持久层决定每个代码直接命中、增量抓取或全量抓取
func (o *Orchestrator) planSeries(ctx context.Context, j *job, codes []string, days int, records map[string]model.SeriesRecord) ([]seriesPlan, error) {
	plans := make([]seriesPlan, 0, len(codes))
	if len(codes) == 0 {
		return plans, nil
	}
	today, err := o.cache.DurableEntries(ctx, codes, model.KindSeries)
	if err != nil {
		return nil, err
	}
	var older []string
	for _, c := range codes {
		if _, ok := today[c]; !ok {
			older = append(older, c)
		}
	}
	latest, err := o.cache.LatestEntries(ctx, older, model.KindSeries)
	if err != nil {
		return nil, err
	}

	now := o.ttl.Now()
	for _, c := range codes {
		e, isToday := today[c]
		if !isToday {
			e = latest[c]
		}
		if e == nil {
			plans = append(plans, seriesPlan{code: c})
			continue
		}
		rec, err := e.Series()
		if err != nil {
			j.log.WithError(err).WithField("code", c).Warn("持久缓存条目损坏")
			plans = append(plans, seriesPlan{code: c})
			continue
		}

		if isToday && rec.Covers(days) && o.cache.IsFresh(e) {
			if w, err := cache.Window(rec, days); err == nil {
				records[c] = w
				o.cache.PromoteSeries(rec, e)
				j.stats.DurableHits++
				continue
			}
		}

		plans = append(plans, o.incrementalPlan(c, rec, days, now))
	}
	return plans, nil
}

// incrementalPlan 缓存覆盖窗口且缺口不超过窗口时只抓取缺口，否则全量
func (o *Orchestrator) incrementalPlan(code string, rec model.SeriesRecord, days int, now time.Time) seriesPlan {
	end := rec.DataEndDate
	if end == "" {
		end = rec.LastDate()
	}
	if end == "" || !rec.Covers(days) {
		return seriesPlan{code: code}
	}
	m := model.MarketOf(code)
	today := o.ttl.Calendar().LocalDate(m, now)
	missing, err := o.ttl.Calendar().TradingDaysBetween(m, end, today)
	if err != nil {
		return seriesPlan{code: code}
	}
	gap := missing + 1
	if gap >= days {
		return seriesPlan{code: code}
	}
	return seriesPlan{code: code, base: &rec, gap: gap}
}

func maxGap(plans []seriesPlan) int {
	n := 0
	for _, p := range plans {
		if p.gap > n {
			n = p.gap
		}
	}
	if n < 2 {
		n = 2
	}
	return n
}

// seriesResult 按请求顺序输出
func (o *Orchestrator) seriesResult(codes []string, records map[string]model.SeriesRecord) *model.SeriesResult {
	out := make([]model.SeriesRecord, 0, len(records))
	for _, c := range codes {
		if rec, ok := records[c]; ok {
			out = append(out, rec)
		}
	}
	return model.NewSeriesResult(out)
}
