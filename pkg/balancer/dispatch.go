package balancer

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"QuoteHub/pkg/collector"
	"QuoteHub/pkg/logger"
	"QuoteHub/pkg/model"
)

// 调用结果分类
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeEmpty       = "empty"
	OutcomeRateLimited = "rate_limited"
	OutcomeTimeout     = "timeout"
)

// FetchFunc 数据源适配函数
type FetchFunc[T any] func(ctx context.Context, codes []string) (map[string]T, error)

// Provider 具名数据源
type Provider[T any] struct {
	Name  string
	Fetch FetchFunc[T]
}

// Outcome 一次分发的结果
type Outcome[T any] struct {
	Results map[string]T
	// Unresolved 所有数据源（含兜底）都未返回的代码
	Unresolved []string
	// RateLimited 因限流直接转为缓存降级的代码
	RateLimited []string
	// Rounds 分发轮数，含重新分配
	Rounds int
}

type callResult[T any] struct {
	provider string
	asked    []string
	got      map[string]T
	err      error
}

// call 单次数据源调用：限速、超时、熔断与统计
func call[T any](ctx context.Context, lb *LoadBalancer, p Provider[T], codes []string) (map[string]T, error) {
	if lim := lb.limiter(p.Name); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}

	cctx, cancel := context.WithTimeout(ctx, lb.cfg.CallTimeout)
	defer cancel()

	start := lb.now()
	raw, err := p.Fetch(cctx, codes)
	elapsed := lb.now().Sub(start)

	got := make(map[string]T, len(codes))
	if err == nil {
		for _, c := range codes {
			if v, ok := raw[c]; ok {
				got[c] = v
			}
		}
		if len(got) == 0 {
			err = collector.ErrEmptyResult
		}
	}

	log := lb.log.WithFields(logger.Fields{"provider": p.Name, "codes": len(codes)})
	if err != nil {
		outcome := OutcomeFailure
		switch {
		case collector.IsRateLimited(err):
			outcome = OutcomeRateLimited
		case errors.Is(err, collector.ErrEmptyResult):
			outcome = OutcomeEmpty
		case errors.Is(cctx.Err(), context.DeadlineExceeded):
			outcome = OutcomeTimeout
		}
		if lb.breaker.RecordFailure(p.Name) {
			log.Warn("数据源触发熔断")
		}
		lb.RecordOutcome(p.Name, false, elapsed)
		lb.observe(p.Name, outcome, elapsed)
		log.WithError(err).WithField("outcome", outcome).Warn("数据源调用失败")
		return nil, err
	}

	lb.breaker.RecordSuccess(p.Name)
	lb.RecordOutcome(p.Name, true, elapsed)
	lb.observe(p.Name, OutcomeSuccess, elapsed)
	logger.LogPerformance(log, "provider_call", elapsed, logger.Fields{"returned": len(got)})
	return got, nil
}

// runPool 按分配并发调用，受PoolSize约束
func runPool[T any](ctx context.Context, lb *LoadBalancer, byName map[string]Provider[T], assignment map[string][]string) []callResult[T] {
	var (
		mu      sync.Mutex
		results = make([]callResult[T], 0, len(assignment))
		g       errgroup.Group
	)
	g.SetLimit(lb.cfg.PoolSize)
	for name, codes := range assignment {
		codes := codes
		p, ok := byName[name]
		if !ok || len(codes) == 0 {
			continue
		}
		g.Go(func() error {
			got, err := call(ctx, lb, p, codes)
			mu.Lock()
			results = append(results, callResult[T]{provider: p.Name, asked: codes, got: got, err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Dispatch 均衡模式：按权重并发分发，未返回的代码重新分配给其余健康数据源，
// 全部耗尽后交给兜底数据源
func Dispatch[T any](ctx context.Context, lb *LoadBalancer, market model.Market, codes []string, providers []Provider[T], fallback *Provider[T]) Outcome[T] {
	out := Outcome[T]{Results: make(map[string]T, len(codes))}
	pending := uniq(codes)
	if len(pending) == 0 {
		return out
	}

	byName := make(map[string]Provider[T], len(providers))
	for _, p := range providers {
		byName[p.Name] = p
	}
	excluded := make(map[string]bool)

	for len(pending) > 0 && ctx.Err() == nil {
		candidates := make([]string, 0, len(providers))
		for _, p := range providers {
			if !excluded[p.Name] {
				candidates = append(candidates, p.Name)
			}
		}
		assignment := lb.DistributeWeighted(market, pending, candidates)
		if len(assignment) == 0 {
			break
		}
		out.Rounds++

		var missing []string
		for _, r := range runPool(ctx, lb, byName, assignment) {
			for c, v := range r.got {
				out.Results[c] = v
			}
			if collector.IsRateLimited(r.err) {
				excluded[r.provider] = true
				out.RateLimited = append(out.RateLimited, r.asked...)
				continue
			}
			for _, c := range r.asked {
				if _, ok := r.got[c]; !ok {
					missing = append(missing, c)
					excluded[r.provider] = true
				}
			}
			if r.err != nil {
				excluded[r.provider] = true
			}
		}
		if len(missing) > 0 {
			lb.log.WithFields(logger.Fields{"market": market, "missing": len(missing), "round": out.Rounds}).Debug("重新分配未返回的代码")
		}
		pending = missing
	}

	out.Unresolved = runFallback(ctx, lb, fallback, pending, out.Results)
	return out
}

// DispatchPriority 优先级模式：主数据源并发，剩余代码依次交给备用数据源，最后兜底
func DispatchPriority[T any](ctx context.Context, lb *LoadBalancer, codes []string, primary, secondary []Provider[T], fallback *Provider[T]) Outcome[T] {
	out := Outcome[T]{Results: make(map[string]T, len(codes))}
	all := uniq(codes)
	if len(all) == 0 {
		return out
	}

	byName := make(map[string]Provider[T], len(primary))
	names := make([]string, 0, len(primary))
	for _, p := range primary {
		byName[p.Name] = p
		names = append(names, p.Name)
	}

	limited := make(map[string]bool)
	if assignment := lb.Distribute(all, names); len(assignment) > 0 {
		out.Rounds++
		for _, r := range runPool(ctx, lb, byName, assignment) {
			for c, v := range r.got {
				out.Results[c] = v
			}
			if collector.IsRateLimited(r.err) {
				for _, c := range r.asked {
					limited[c] = true
				}
			}
		}
	}

	pending := make([]string, 0, len(all))
	for _, c := range all {
		if _, ok := out.Results[c]; ok {
			continue
		}
		if limited[c] {
			out.RateLimited = append(out.RateLimited, c)
			continue
		}
		pending = append(pending, c)
	}

	for _, p := range secondary {
		if len(pending) == 0 || ctx.Err() != nil {
			break
		}
		if !lb.breaker.IsAvailable(p.Name) {
			continue
		}
		out.Rounds++
		got, err := call(ctx, lb, p, pending)
		if collector.IsRateLimited(err) {
			out.RateLimited = append(out.RateLimited, pending...)
			pending = nil
			break
		}
		for c, v := range got {
			out.Results[c] = v
		}
		pending = remaining(pending, out.Results)
	}

	out.Unresolved = runFallback(ctx, lb, fallback, pending, out.Results)
	return out
}

// runFallback 兜底数据源不受熔断限制，结果仍计入统计
func runFallback[T any](ctx context.Context, lb *LoadBalancer, fallback *Provider[T], pending []string, results map[string]T) []string {
	if len(pending) == 0 || fallback == nil || fallback.Fetch == nil || ctx.Err() != nil {
		return pending
	}
	got, err := call(ctx, lb, *fallback, pending)
	if err != nil {
		return pending
	}
	for c, v := range got {
		results[c] = v
	}
	return remaining(pending, results)
}

func remaining[T any](codes []string, results map[string]T) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if _, ok := results[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func uniq(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
