package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	App struct {
		Name string `yaml:"name"`
		Env  string `yaml:"env"`
	} `yaml:"app"`

	Logging LoggingConfig `yaml:"logging"`

	DataSources struct {
		Tushare struct {
			APIKey  string        `yaml:"api_key"`
			BaseURL string        `yaml:"base_url"`
			Timeout time.Duration `yaml:"timeout"`
		} `yaml:"tushare"`
		AKShare struct {
			BaseURL string        `yaml:"base_url"`
			Timeout time.Duration `yaml:"timeout"`
		} `yaml:"akshare"`
	} `yaml:"data_sources"`

	Database DatabaseConfig `yaml:"database"`

	Redis RedisConfig `yaml:"redis"`

	Cache CacheConfig `yaml:"cache"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	Balancer BalancerConfig `yaml:"balancer"`

	// Routing 每个市场的数据源路由
	Routing map[string]RouteConfig `yaml:"routing"`

	Calendar struct {
		Holidays map[string][]string `yaml:"holidays"`
	} `yaml:"calendar"`

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"nats"`

	API struct {
		Port         string        `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"api"`

	Scheduler SchedulerConfig `yaml:"scheduler"`

	// TrackedCodes 启动时载入关注列表的代码
	TrackedCodes []string `yaml:"tracked_codes"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DatabaseConfig 持久化缓存数据库
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres 或 mysql
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	// DSN 非空时直接使用
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CacheConfig 二级缓存配置
type CacheConfig struct {
	// Durable 持久层实现: database / redis / memory
	Durable          string        `yaml:"durable"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	FlushDebounce    time.Duration `yaml:"flush_debounce"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
	OpenTTL          time.Duration `yaml:"open_ttl"`
}

// CircuitBreakerConfig 熔断配置
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// RateLimitConfig 单个数据源限速
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// BalancerConfig 负载均衡配置
type BalancerConfig struct {
	PoolSize        int                           `yaml:"pool_size"`
	CallTimeout     time.Duration                 `yaml:"call_timeout"`
	WeightRefresh   time.Duration                 `yaml:"weight_refresh"`
	MinSamples      int                           `yaml:"min_samples"`
	MultiplierMin   float64                       `yaml:"multiplier_min"`
	MultiplierMax   float64                       `yaml:"multiplier_max"`
	Weights         map[string]map[string]float64 `yaml:"weights"`
	RateLimits      map[string]RateLimitConfig    `yaml:"rate_limits"`
}

// RouteConfig 市场路由
type RouteConfig struct {
	Mode      string   `yaml:"mode"` // priority 或 balanced
	Primary   []string `yaml:"primary"`
	Secondary []string `yaml:"secondary"`
	Fallback  string   `yaml:"fallback"`
}

// SchedulerConfig 定时刷新配置
type SchedulerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	PriceRefresh string `yaml:"price_refresh"`
	TrendRefresh string `yaml:"trend_refresh"`
	HealthCheck  string `yaml:"health_check"`
	TrendDays    int    `yaml:"trend_days"`
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*Config, error) {
	// .env 可选
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("加载.env失败: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析YAML并填充默认值，不做校验
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "quotehub"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.DataSources.Tushare.Timeout <= 0 {
		c.DataSources.Tushare.Timeout = 10 * time.Second
	}
	if c.DataSources.AKShare.Timeout <= 0 {
		c.DataSources.AKShare.Timeout = 10 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Cache.Durable == "" {
		c.Cache.Durable = "database"
	}
	if c.Cache.FlushDebounce <= 0 {
		c.Cache.FlushDebounce = 5 * time.Second
	}
	if c.Cache.EvictionInterval <= 0 {
		c.Cache.EvictionInterval = time.Minute
	}
	if c.Cache.OpenTTL <= 0 {
		c.Cache.OpenTTL = 30 * time.Minute
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "quotehub:cache"
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = 3
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		c.CircuitBreaker.Cooldown = 1800 * time.Second
	}
	b := &c.Balancer
	if b.PoolSize <= 0 {
		b.PoolSize = 4
	}
	if b.CallTimeout <= 0 {
		b.CallTimeout = 10 * time.Second
	}
	if b.WeightRefresh <= 0 {
		b.WeightRefresh = 60 * time.Second
	}
	if b.MinSamples <= 0 {
		b.MinSamples = 10
	}
	if b.MultiplierMin <= 0 {
		b.MultiplierMin = 0.5
	}
	if b.MultiplierMax <= 0 {
		b.MultiplierMax = 1.5
	}
	if c.API.Port == "" {
		c.API.Port = "8080"
	}
	if c.API.ReadTimeout <= 0 {
		c.API.ReadTimeout = 15 * time.Second
	}
	if c.API.WriteTimeout <= 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.Scheduler.PriceRefresh == "" {
		c.Scheduler.PriceRefresh = "@every 1m"
	}
	if c.Scheduler.TrendRefresh == "" {
		c.Scheduler.TrendRefresh = "0 10 15 * * 1-5"
	}
	if c.Scheduler.HealthCheck == "" {
		c.Scheduler.HealthCheck = "@every 5m"
	}
	if c.Scheduler.TrendDays <= 0 {
		c.Scheduler.TrendDays = 60
	}
}

// overrideFromEnv 使用环境变量覆盖配置
func overrideFromEnv(config *Config) {
	if env := os.Getenv("APP_NAME"); env != "" {
		config.App.Name = env
	}
	if env := os.Getenv("APP_ENV"); env != "" {
		config.App.Env = env
	}

	// 数据源
	if env := os.Getenv("TUSHARE_API_KEY"); env != "" {
		config.DataSources.Tushare.APIKey = env
	}
	if env := os.Getenv("TUSHARE_BASE_URL"); env != "" {
		config.DataSources.Tushare.BaseURL = env
	}
	if env := os.Getenv("AKSHARE_BASE_URL"); env != "" {
		config.DataSources.AKShare.BaseURL = env
	}

	// 数据库
	if env := os.Getenv("DB_DRIVER"); env != "" {
		config.Database.Driver = env
	}
	if env := os.Getenv("DB_HOST"); env != "" {
		config.Database.Host = env
	}
	if env := os.Getenv("DB_PORT"); env != "" {
		if port, err := strconv.Atoi(env); err == nil && port > 0 {
			config.Database.Port = port
		}
	}
	if env := os.Getenv("DB_USER"); env != "" {
		config.Database.User = env
	}
	if env := os.Getenv("DB_PASSWORD"); env != "" {
		config.Database.Password = env
	}
	if env := os.Getenv("DB_NAME"); env != "" {
		config.Database.DBName = env
	}
	if env := os.Getenv("DB_DSN"); env != "" {
		config.Database.DSN = env
	}

	if env := os.Getenv("REDIS_ADDR"); env != "" {
		config.Redis.Addr = env
	}
	if env := os.Getenv("REDIS_PASSWORD"); env != "" {
		config.Redis.Password = env
	}

	if env := os.Getenv("NATS_URL"); env != "" {
		config.NATS.URL = env
		config.NATS.Enabled = true
	}

	if env := os.Getenv("API_PORT"); env != "" {
		config.API.Port = env
	}

	// 逗号分隔的关注代码
	if env := os.Getenv("STOCK_CODES"); env != "" {
		config.TrackedCodes = strings.Split(env, ",")
	}
}

// GetDefaultConfigPath 获取默认配置文件路径
func GetDefaultConfigPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("configs/%s/app.yaml", env)
}
