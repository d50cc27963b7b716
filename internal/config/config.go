package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	DB          DBConfig          `mapstructure:"db"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Credentials CredentialsConfig `mapstructure:"credentials"`

	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`

	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Simulator  SimulatorConfig  `mapstructure:"simulator"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Allocation AllocationConfig `mapstructure:"allocation"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string     `mapstructure:"http_addr"`
	Auth     AuthConfig `mapstructure:"auth"`
}

// AuthConfig guards the operator API with HS256 bearer tokens. An empty
// secret disables the check.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// AuditWrites logs every mutating API call.
	AuditWrites bool `mapstructure:"audit_writes"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`

	// File enables a rotating file sink next to stdout.
	File LogFileConfig `mapstructure:"file"`
}

type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DBConfig struct {
	// Driver is postgres, sqlite or memory.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type CacheConfig struct {
	// Driver is memory or redis.
	Driver       string        `mapstructure:"driver"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	RedisPass    string        `mapstructure:"redis_password"`
	RedisDB      int           `mapstructure:"redis_db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	HeartbeatTTL time.Duration `mapstructure:"heartbeat_ttl"`
}

type CredentialsConfig struct {
	// Driver is badger or static.
	Driver        string `mapstructure:"driver"`
	Path          string `mapstructure:"path"`
	EncryptionKey string `mapstructure:"encryption_key"`
	// Static maps credential refs to "key:secret" for local runs.
	Static map[string]string `mapstructure:"static"`
}

type ExchangeConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	StreamURL  string        `mapstructure:"stream_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	// MaxLeverage per instrument; "*" is the fallback.
	MaxLeverage map[string]float64 `mapstructure:"max_leverage"`
}

type GeneratorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ScoringConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LifecycleConfig struct {
	BacktestWindow          time.Duration `mapstructure:"backtest_window"`
	BacktestCapital         float64       `mapstructure:"backtest_capital"`
	BacktestMinWinRate      float64       `mapstructure:"backtest_min_win_rate"`
	BacktestMinProfit       float64       `mapstructure:"backtest_min_profit_factor"`
	PaperDuration           time.Duration `mapstructure:"paper_duration"`
	PaperMinWinRate         float64       `mapstructure:"paper_min_win_rate"`
	PaperMinProfit          float64       `mapstructure:"paper_min_profit_factor"`
	ProfitFactorCap         float64       `mapstructure:"profit_factor_cap"`
	PaperCheckInterval      time.Duration `mapstructure:"paper_check_interval"`
	MaxStrategiesPerSession int           `mapstructure:"max_strategies_per_session"`
	StepConcurrency         int           `mapstructure:"step_concurrency"`
}

type SimulatorConfig struct {
	Latency             time.Duration `mapstructure:"latency"`
	SuccessProbability  float64       `mapstructure:"success_probability"`
	BaseSlippage        float64       `mapstructure:"base_slippage"`
	ImpactPerMillion    float64       `mapstructure:"impact_per_million"`
	SlippageJitter      float64       `mapstructure:"slippage_jitter"`
	FeeBps              float64       `mapstructure:"fee_bps"`
	MaxPositionFraction float64       `mapstructure:"max_position_fraction"`
	CloseQueueSize      int           `mapstructure:"close_queue_size"`
}

type RiskTierConfig struct {
	Name        string  `mapstructure:"name"`
	MinBalance  float64 `mapstructure:"min_balance"`
	MaxNotional float64 `mapstructure:"max_notional"`
}

type RiskConfig struct {
	Tiers              []RiskTierConfig `mapstructure:"tiers"`
	DailyLossCapFrac   float64          `mapstructure:"daily_loss_cap_fraction"`
	MaxOpenPositions   int              `mapstructure:"max_open_positions"`
	DefaultMaxLeverage float64          `mapstructure:"default_max_leverage"`
}

type AllocationConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	Window          time.Duration `mapstructure:"window"`
	MinSharpe       float64       `mapstructure:"min_sharpe"`
	KellyCap        float64       `mapstructure:"kelly_cap"`
	KellyMultiplier float64       `mapstructure:"kelly_multiplier"`
}

type SupervisorConfig struct {
	AlwaysRunInterval  time.Duration `mapstructure:"always_run_interval"`
	ExecutionInterval  time.Duration `mapstructure:"execution_interval"`
	GenerationInterval time.Duration `mapstructure:"generation_interval"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	Jitter             time.Duration `mapstructure:"jitter"`
	Resolution         time.Duration `mapstructure:"resolution"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

type NotifyConfig struct {
	Enabled    bool           `mapstructure:"enabled"`
	Topics     []string       `mapstructure:"topics"`
	WebhookURL string         `mapstructure:"webhook_url"`
	Timeout    time.Duration  `mapstructure:"timeout"`
	Telegram   TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.token_ttl", "24h")
	v.SetDefault("server.auth.audit_writes", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 14)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("db.auto_migrate", true)

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.redis_addr", "127.0.0.1:6379")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.key_prefix", "autopilot:")
	v.SetDefault("cache.heartbeat_ttl", "2m")

	v.SetDefault("credentials.driver", "static")
	v.SetDefault("credentials.path", "./data/credentials")

	v.SetDefault("exchange.base_url", "")
	v.SetDefault("exchange.stream_url", "")
	v.SetDefault("exchange.timeout", "15s")
	v.SetDefault("exchange.retry_count", 2)
	v.SetDefault("exchange.max_leverage", map[string]float64{"*": 20})

	v.SetDefault("generator.base_url", "")
	v.SetDefault("generator.timeout", "60s")
	v.SetDefault("scoring.base_url", "")
	v.SetDefault("scoring.timeout", "120s")

	v.SetDefault("lifecycle.backtest_window", "720h")
	v.SetDefault("lifecycle.backtest_capital", 10000)
	v.SetDefault("lifecycle.backtest_min_win_rate", 0.55)
	v.SetDefault("lifecycle.backtest_min_profit_factor", 1.5)
	v.SetDefault("lifecycle.paper_duration", "168h")
	v.SetDefault("lifecycle.paper_min_win_rate", 0.60)
	v.SetDefault("lifecycle.paper_min_profit_factor", 2.0)
	v.SetDefault("lifecycle.profit_factor_cap", 10)
	v.SetDefault("lifecycle.paper_check_interval", "1m")
	v.SetDefault("lifecycle.max_strategies_per_session", 50)
	v.SetDefault("lifecycle.step_concurrency", 8)

	v.SetDefault("simulator.latency", "50ms")
	v.SetDefault("simulator.success_probability", 0.98)
	v.SetDefault("simulator.base_slippage", 0.0005)
	v.SetDefault("simulator.impact_per_million", 0.001)
	v.SetDefault("simulator.slippage_jitter", 0.2)
	v.SetDefault("simulator.fee_bps", 10)
	v.SetDefault("simulator.max_position_fraction", 0.10)
	v.SetDefault("simulator.close_queue_size", 256)

	v.SetDefault("risk.daily_loss_cap_fraction", 0.05)
	v.SetDefault("risk.max_open_positions", 10)
	v.SetDefault("risk.default_max_leverage", 20)

	v.SetDefault("allocation.enabled", true)
	v.SetDefault("allocation.interval", "1h")
	v.SetDefault("allocation.window", "720h")
	v.SetDefault("allocation.min_sharpe", 0.5)
	v.SetDefault("allocation.kelly_cap", 0.25)
	v.SetDefault("allocation.kelly_multiplier", 0.5)

	v.SetDefault("supervisor.always_run_interval", "60s")
	v.SetDefault("supervisor.execution_interval", "5s")
	v.SetDefault("supervisor.generation_interval", "1m")
	v.SetDefault("supervisor.heartbeat_interval", "30s")
	v.SetDefault("supervisor.jitter", "0s")
	v.SetDefault("supervisor.resolution", "1s")
	v.SetDefault("supervisor.shutdown_timeout", "30s")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.topics", []string{"strategy.transition", "allocation.changed", "risk.rejected"})
	v.SetDefault("notify.timeout", "10s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if len(cfg.Risk.Tiers) == 0 {
		cfg.Risk.Tiers = DefaultRiskTiers()
	}

	return cfg, nil
}

// DefaultRiskTiers caps single-order notional by account balance.
func DefaultRiskTiers() []RiskTierConfig {
	return []RiskTierConfig{
		{Name: "starter", MinBalance: 0, MaxNotional: 1000},
		{Name: "standard", MinBalance: 5000, MaxNotional: 5000},
		{Name: "pro", MinBalance: 50000, MaxNotional: 50000},
		{Name: "institutional", MinBalance: 500000, MaxNotional: 250000},
	}
}
