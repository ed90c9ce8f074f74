package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"QuoteHub/pkg/balancer"
	"QuoteHub/pkg/collector"
	"QuoteHub/pkg/config"
	"QuoteHub/pkg/model"
)

// Route 单个市场的数据源路由
type Route struct {
	Mode      string
	Primary   []collector.Source
	Secondary []collector.Source
	// Fallback 可为空
	Fallback collector.Source
}

// BuildRoutes 按配置把数据源名称解析为路由
func BuildRoutes(routing map[string]config.RouteConfig, sources map[string]collector.Source) (map[model.Market]Route, error) {
	routes := make(map[model.Market]Route, len(routing))
	for name, rc := range routing {
		m, ok := model.ParseMarket(name)
		if !ok {
			return nil, &config.ConfigError{Field: "routing." + name, Reason: "未知市场"}
		}
		resolve := func(field string, names []string) ([]collector.Source, error) {
			out := make([]collector.Source, 0, len(names))
			for _, n := range names {
				s, ok := sources[strings.ToLower(n)]
				if !ok {
					return nil, &config.ConfigError{Field: fmt.Sprintf("routing.%s.%s", name, field), Reason: "未注册的数据源 " + n}
				}
				out = append(out, s)
			}
			return out, nil
		}

		r := Route{Mode: strings.ToLower(rc.Mode)}
		if r.Mode == "" {
			r.Mode = config.RouteModeBalanced
		}
		var err error
		if r.Primary, err = resolve("primary", rc.Primary); err != nil {
			return nil, err
		}
		if r.Secondary, err = resolve("secondary", rc.Secondary); err != nil {
			return nil, err
		}
		if rc.Fallback != "" {
			fb, err := resolve("fallback", []string{rc.Fallback})
			if err != nil {
				return nil, err
			}
			r.Fallback = fb[0]
		}
		if len(r.Primary)+len(r.Secondary) == 0 && r.Fallback == nil {
			return nil, &config.ConfigError{Field: "routing." + name, Reason: "未配置数据源"}
		}
		routes[m] = r
	}
	return routes, nil
}

// dispatchRoute 按路由模式分发，mk 把数据源转换为对应数据类型的调用
func dispatchRoute[T any](ctx context.Context, lb *balancer.LoadBalancer, market model.Market, r Route, codes []string, mk func(collector.Source) balancer.Provider[T]) balancer.Outcome[T] {
	convert := func(srcs []collector.Source) []balancer.Provider[T] {
		out := make([]balancer.Provider[T], len(srcs))
		for i, s := range srcs {
			out[i] = mk(s)
		}
		return out
	}
	var fallback *balancer.Provider[T]
	if r.Fallback != nil {
		p := mk(r.Fallback)
		fallback = &p
	}

	if r.Mode == config.RouteModePriority {
		return balancer.DispatchPriority(ctx, lb, codes, convert(r.Primary), convert(r.Secondary), fallback)
	}
	providers := append(convert(r.Primary), convert(r.Secondary)...)
	return balancer.Dispatch(ctx, lb, market, codes, providers, fallback)
}

func priceProvider(s collector.Source) balancer.Provider[model.PriceSnapshot] {
	return balancer.Provider[model.PriceSnapshot]{Name: s.Name(), Fetch: s.FetchPrices}
}

func seriesProvider(days int) func(collector.Source) balancer.Provider[model.SeriesRecord] {
	return func(s collector.Source) balancer.Provider[model.SeriesRecord] {
		return balancer.Provider[model.SeriesRecord]{
			Name: s.Name(),
			Fetch: func(ctx context.Context, codes []string) (map[string]model.SeriesRecord, error) {
				return s.FetchSeries(ctx, codes, days)
			},
		}
	}
}
