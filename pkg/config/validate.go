package config

import (
	"errors"
	"fmt"
	"time"

	"QuoteHub/pkg/model"
)

// 路由模式
const (
	RouteModePriority = "priority"
	RouteModeBalanced = "balanced"
)

// ConfigError 配置错误，启动时致命
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置错误 %s: %s", e.Field, e.Reason)
}

// Validate 校验配置，返回所有问题的合并错误
func (c *Config) Validate() error {
	var errs []error
	add := func(field, reason string) {
		errs = append(errs, &ConfigError{Field: field, Reason: reason})
	}

	switch c.Database.Driver {
	case "postgres", "mysql":
	default:
		add("database.driver", fmt.Sprintf("不支持的驱动 %q", c.Database.Driver))
	}

	switch c.Cache.Durable {
	case "database", "redis", "memory":
	default:
		add("cache.durable", fmt.Sprintf("不支持的持久层 %q", c.Cache.Durable))
	}
	if c.Cache.Durable == "redis" && c.Redis.Addr == "" {
		add("redis.addr", "持久层为redis时必须配置地址")
	}
	if c.Cache.Durable == "database" && c.Database.DSN == "" && c.Database.Host == "" {
		add("database.host", "持久层为database时必须配置host或dsn")
	}

	if c.Balancer.PoolSize < 1 {
		add("balancer.pool_size", "必须大于0")
	}
	if c.Balancer.MultiplierMin > c.Balancer.MultiplierMax {
		add("balancer.multiplier_min", "不能大于multiplier_max")
	}

	if len(c.Routing) == 0 {
		add("routing", "未配置任何市场的数据源")
	}
	for name, route := range c.Routing {
		field := "routing." + name
		if _, ok := model.ParseMarket(name); !ok {
			add(field, "未知市场")
			continue
		}
		switch route.Mode {
		case RouteModePriority, RouteModeBalanced:
		default:
			add(field+".mode", fmt.Sprintf("未知模式 %q", route.Mode))
		}
		if len(route.Primary) == 0 && len(route.Secondary) == 0 && route.Fallback == "" {
			add(field, "没有可用的数据源")
		}
	}

	for market, days := range c.Calendar.Holidays {
		if _, ok := model.ParseMarket(market); !ok {
			add("calendar.holidays."+market, "未知市场")
			continue
		}
		for _, d := range days {
			if _, err := time.Parse(model.DateLayout, d); err != nil {
				add("calendar.holidays."+market, fmt.Sprintf("日期格式错误 %q", d))
			}
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		add("nats.url", "启用NATS时必须配置地址")
	}

	return errors.Join(errs...)
}
