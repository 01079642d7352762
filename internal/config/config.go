package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Debate     DebateConfig     `mapstructure:"debate"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	API        APIConfig        `mapstructure:"api"`
	WS         WSConfig         `mapstructure:"ws"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings (optional snapshot cache)
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LLMConfig contains LLM provider settings
type LLMConfig struct {
	Endpoint        string             `mapstructure:"endpoint"`
	APIKey          string             `mapstructure:"api_key"`
	ChatModel       string             `mapstructure:"chat_model"`
	ReasonerModel   string             `mapstructure:"reasoner_model"`
	Temperature     float64            `mapstructure:"temperature"`
	MaxTokens       int                `mapstructure:"max_tokens"`
	RoleTimeoutSec  int                `mapstructure:"role_timeout_sec"`    // per-role analyst call
	RefereeTimeout  int                `mapstructure:"referee_timeout_sec"` // referee call
	RequestsPerMin  int                `mapstructure:"requests_per_min"`
	PriceInPer1K    map[string]float64 `mapstructure:"price_in_per_1k"`  // model -> USD
	PriceOutPer1K   map[string]float64 `mapstructure:"price_out_per_1k"` // model -> USD
}

// RoleConfig describes one debate analyst
type RoleConfig struct {
	Name       string `mapstructure:"name"`
	Title      string `mapstructure:"title"`
	Emoji      string `mapstructure:"emoji"`
	Model      string `mapstructure:"model"`
	Directives string `mapstructure:"directives"`
}

// DebateConfig contains debate orchestration settings
type DebateConfig struct {
	Roles             []RoleConfig `mapstructure:"roles"`
	TotalTimeoutSec   int          `mapstructure:"total_timeout_sec"`
	SignalCooldownMin int          `mapstructure:"signal_cooldown_min"`
	SnapshotMaxAgeSec int          `mapstructure:"snapshot_max_age_sec"`
	Language          string       `mapstructure:"language"` // "zh-CN" or "en-US"
}

// TrailingLadderConfig holds one rung of the trailing stop ladder
type TrailingLadderConfig struct {
	TriggerPct float64 `mapstructure:"trigger_pct"` // favorable move (leverage-adjusted) to reach this rung
	StopPct    float64 `mapstructure:"stop_pct"`    // stop distance from peak at this rung
}

// TradingConfig contains trading settings
type TradingConfig struct {
	Enabled             bool                   `mapstructure:"enabled"`
	Symbols             []string               `mapstructure:"symbols"`
	HotSymbols          []string               `mapstructure:"hot_symbols"`
	AmountUSDT          float64                `mapstructure:"amount_usdt"`
	AmountPct           float64                `mapstructure:"amount_pct"`
	MaxPositionUSDT     float64                `mapstructure:"max_position_usdt"`
	MaxPositionPct      float64                `mapstructure:"max_position_pct"`
	Leverage            int                    `mapstructure:"leverage"`
	MarginMode          string                 `mapstructure:"margin_mode"` // "cross" or "isolated"
	Pyramiding          bool                   `mapstructure:"pyramiding"`
	OnOpposite          string                 `mapstructure:"on_opposite"` // close_then_open, close_only, ignore
	TakeProfitPct       float64                `mapstructure:"take_profit_pct"`
	StopLossPct         float64                `mapstructure:"stop_loss_pct"`
	TrailingLadder      []TrailingLadderConfig `mapstructure:"trailing_ladder"`
	AdverseTightenPct   float64                `mapstructure:"adverse_tighten_pct"`
	TightenWindowMin    int                    `mapstructure:"tighten_window_min"`
	PositionTimeoutHrs  int                    `mapstructure:"position_timeout_hours"`
	CloseCooldownSec    int                    `mapstructure:"close_cooldown_sec"`
	OrphanSweepMin      int                    `mapstructure:"orphan_sweep_min"`
}

// RiskConfig contains risk-gate thresholds. The gate copies this struct at
// entry so a live config change never mixes old and new thresholds.
type RiskConfig struct {
	MinConfidenceOpen   int     `mapstructure:"min_confidence_open"`  // BUY / SHORT floor
	MinConfidenceClose  int     `mapstructure:"min_confidence_close"` // SELL / COVER floor
	MaxDailyDrawdownPct float64 `mapstructure:"max_daily_drawdown_pct"`
	LossStreakLimit     int     `mapstructure:"loss_streak_limit"`
}

// QuotaConfig contains daily LLM budget settings
type QuotaConfig struct {
	DailyCallLimit int     `mapstructure:"daily_call_limit"`
	DailyCostUSD   float64 `mapstructure:"daily_cost_usd"`
}

// ExchangeConfig contains venue settings
type ExchangeConfig struct {
	Name      string `mapstructure:"name"` // "binance"
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	Testnet   *bool  `mapstructure:"testnet"` // must be set explicitly; nil is ambiguous
	Required  bool   `mapstructure:"required"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// WSConfig contains broadcast sink settings
type WSConfig struct {
	Token          string `mapstructure:"token"`
	MaxClients     int    `mapstructure:"max_clients"`
	SendTimeoutMS  int    `mapstructure:"send_timeout_ms"`
	SendBatchSize  int    `mapstructure:"send_batch_size"`
	AuthTimeoutSec int    `mapstructure:"auth_timeout_sec"`
}

// SchedulerConfig contains periodic trigger settings
type SchedulerConfig struct {
	HotIntervalMin   int  `mapstructure:"hot_interval_min"`
	ColdIntervalMin  int  `mapstructure:"cold_interval_min"`
	HealthIntervalS  int  `mapstructure:"health_interval_sec"`
	ShutdownGraceSec int  `mapstructure:"shutdown_grace_sec"`
	SingletonLocks   bool `mapstructure:"singleton_locks"`
}

// AlertsConfig contains Telegram notifier settings
type AlertsConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("QUORUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "quorum")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "quorum")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.endpoint", "https://api.deepseek.com/v1/chat/completions")
	v.SetDefault("llm.chat_model", "deepseek-chat")
	v.SetDefault("llm.reasoner_model", "deepseek-reasoner")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 4000)
	v.SetDefault("llm.role_timeout_sec", 45)
	v.SetDefault("llm.referee_timeout_sec", 90)
	v.SetDefault("llm.requests_per_min", 60)

	v.SetDefault("debate.total_timeout_sec", 120)
	v.SetDefault("debate.signal_cooldown_min", 5)
	v.SetDefault("debate.snapshot_max_age_sec", 60)
	v.SetDefault("debate.language", "zh-CN")

	v.SetDefault("trading.enabled", false)
	v.SetDefault("trading.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("trading.hot_symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("trading.amount_usdt", 100.0)
	v.SetDefault("trading.amount_pct", 3.0)
	v.SetDefault("trading.max_position_usdt", 1000.0)
	v.SetDefault("trading.max_position_pct", 30.0)
	v.SetDefault("trading.leverage", 5)
	v.SetDefault("trading.margin_mode", "cross")
	v.SetDefault("trading.pyramiding", false)
	v.SetDefault("trading.on_opposite", "close_then_open")
	v.SetDefault("trading.take_profit_pct", 5.0)
	v.SetDefault("trading.stop_loss_pct", 2.0)
	v.SetDefault("trading.adverse_tighten_pct", 1.5)
	v.SetDefault("trading.tighten_window_min", 30)
	v.SetDefault("trading.position_timeout_hours", 24)
	v.SetDefault("trading.close_cooldown_sec", 30)
	v.SetDefault("trading.orphan_sweep_min", 5)

	v.SetDefault("risk.min_confidence_open", 60)
	v.SetDefault("risk.min_confidence_close", 50)
	v.SetDefault("risk.max_daily_drawdown_pct", 5.0)
	v.SetDefault("risk.loss_streak_limit", 4)

	v.SetDefault("quota.daily_call_limit", 500)
	v.SetDefault("quota.daily_cost_usd", 10.0)

	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.required", false)
	v.SetDefault("exchange.timeout_ms", 10000)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	v.SetDefault("ws.max_clients", 50)
	v.SetDefault("ws.send_timeout_ms", 2000)
	v.SetDefault("ws.send_batch_size", 10)
	v.SetDefault("ws.auth_timeout_sec", 5)

	v.SetDefault("scheduler.hot_interval_min", 5)
	v.SetDefault("scheduler.cold_interval_min", 15)
	v.SetDefault("scheduler.health_interval_sec", 60)
	v.SetDefault("scheduler.shutdown_grace_sec", 30)
	v.SetDefault("scheduler.singleton_locks", false)

	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	switch c.Trading.OnOpposite {
	case "close_then_open", "close_only", "ignore":
	default:
		return fmt.Errorf("trading.on_opposite must be one of close_then_open, close_only, ignore; got %q", c.Trading.OnOpposite)
	}

	switch c.Trading.MarginMode {
	case "cross", "isolated":
	default:
		return fmt.Errorf("trading.margin_mode must be cross or isolated; got %q", c.Trading.MarginMode)
	}

	if c.Trading.Leverage < 1 || c.Trading.Leverage > 125 {
		return fmt.Errorf("trading.leverage out of range: %d", c.Trading.Leverage)
	}

	for i := 1; i < len(c.Trading.TrailingLadder); i++ {
		prev, cur := c.Trading.TrailingLadder[i-1], c.Trading.TrailingLadder[i]
		if cur.TriggerPct <= prev.TriggerPct {
			return fmt.Errorf("trading.trailing_ladder triggers must be strictly increasing")
		}
		if cur.StopPct >= prev.StopPct {
			return fmt.Errorf("trading.trailing_ladder stop distances must be strictly decreasing")
		}
	}

	// Live trading needs an unambiguous venue target.
	if c.Trading.Enabled && c.Exchange.Testnet == nil {
		return fmt.Errorf("exchange.testnet must be set explicitly when trading is enabled")
	}

	if c.Trading.Enabled && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		return fmt.Errorf("exchange credentials required when trading is enabled")
	}

	if c.Risk.MinConfidenceOpen < 0 || c.Risk.MinConfidenceOpen > 100 {
		return fmt.Errorf("risk.min_confidence_open out of range: %d", c.Risk.MinConfidenceOpen)
	}

	return nil
}

// GetDSN builds a PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// GetRedisAddr builds a Redis address string
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr builds the API listen address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RoleTimeout returns the per-role LLM call timeout
func (c *LLMConfig) RoleTimeout() time.Duration {
	return time.Duration(c.RoleTimeoutSec) * time.Second
}

// RefereeCallTimeout returns the referee LLM call timeout
func (c *LLMConfig) RefereeCallTimeout() time.Duration {
	return time.Duration(c.RefereeTimeout) * time.Second
}

// SignalCooldown returns the per-symbol signal cooldown duration
func (c *DebateConfig) SignalCooldown() time.Duration {
	return time.Duration(c.SignalCooldownMin) * time.Minute
}

// CloseCooldown returns the post-close cooldown duration
func (c *TradingConfig) CloseCooldown() time.Duration {
	return time.Duration(c.CloseCooldownSec) * time.Second
}

// IsHot reports whether a symbol is in the hot set
func (c *TradingConfig) IsHot(symbol string) bool {
	for _, s := range c.HotSymbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}
