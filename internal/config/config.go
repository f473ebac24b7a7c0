package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StrategyLatencyArbitrage       = "latency_arbitrage"
	StrategyBinaryHedging          = "binary_hedging"
	StrategyCombinatorialArbitrage = "combinatorial_arbitrage"
	StrategyMarketMaking           = "market_making"
)

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	DB          DBConfig          `mapstructure:"db"`
	Cron        CronConfig        `mapstructure:"cron"`
	ClobREST    ClobRESTConfig    `mapstructure:"clob_rest"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Trading     TradingConfig     `mapstructure:"trading"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Testing     TestingConfig     `mapstructure:"testing"`
	Strategies  StrategiesConfig  `mapstructure:"strategies"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
	// LiveTrading gates real order submission outside testing mode.
	LiveTrading bool `mapstructure:"live_trading"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string        `mapstructure:"level"`
	Encoding          string        `mapstructure:"encoding"`
	Development       bool          `mapstructure:"development"`
	Sampling          bool          `mapstructure:"sampling"`
	DisableCaller     bool          `mapstructure:"disable_caller"`
	DisableStacktrace bool          `mapstructure:"disable_stacktrace"`
	File              LogFileConfig `mapstructure:"file"`
}

type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DBConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	StatusLog     string `mapstructure:"status_log"`
	ExpireTrades  string `mapstructure:"expire_trades"`
	InterimReport string `mapstructure:"interim_report"`
}

type ClobRESTConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type FeedConfig struct {
	StreamURL    string        `mapstructure:"stream_url"`
	RESTBaseURL  string        `mapstructure:"rest_base_url"`
	Symbols      []string      `mapstructure:"symbols"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// IdleTimeout drops a stream that has been silent this long.
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type CredentialsConfig struct {
	PrivateKey       string `mapstructure:"private_key"`
	APIKey           string `mapstructure:"api_key"`
	APISecret        string `mapstructure:"api_secret"`
	APIPassphrase    string `mapstructure:"api_passphrase"`
	Address          string `mapstructure:"address"`
	ChainID          int    `mapstructure:"chain_id"`
	BinanceAPIKey    string `mapstructure:"binance_api_key"`
	BinanceAPISecret string `mapstructure:"binance_api_secret"`
}

type TradingConfig struct {
	MaxPositionSizeUSD float64 `mapstructure:"max_position_size_usd"`
	RiskPerTrade       float64 `mapstructure:"risk_per_trade"`
	MinProfitThreshold float64 `mapstructure:"min_profit_threshold"`
	MaxSlippage        float64 `mapstructure:"max_slippage"`
	WinnerFee          float64 `mapstructure:"winner_fee"`
	TakerFee           float64 `mapstructure:"taker_fee"`
}

type RiskConfig struct {
	MaxTotalExposureUSD  float64       `mapstructure:"max_total_exposure_usd"`
	MaxPositions         int           `mapstructure:"max_positions"`
	MaxLossPerDayUSD     float64       `mapstructure:"max_loss_per_day_usd"`
	EmergencyStopLossPct float64       `mapstructure:"emergency_stop_loss_pct"`
	LedgerRetention      time.Duration `mapstructure:"ledger_retention"`
}

type TestingConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	OutputDir          string        `mapstructure:"output_dir"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
	AutoResolveTimeout time.Duration `mapstructure:"auto_resolve_timeout"`
	GenerateReports    bool          `mapstructure:"generate_reports"`
	// PaperBalanceUSD stands in for the account balance when the venue
	// cannot report one during a paper session.
	PaperBalanceUSD float64 `mapstructure:"paper_balance_usd"`
}

type StrategiesConfig struct {
	LatencyArbitrage       LatencyArbitrageConfig       `mapstructure:"latency_arbitrage"`
	BinaryHedging          BinaryHedgingConfig          `mapstructure:"binary_hedging"`
	CombinatorialArbitrage CombinatorialArbitrageConfig `mapstructure:"combinatorial_arbitrage"`
	MarketMaking           MarketMakingConfig           `mapstructure:"market_making"`
}

type StrategyCommon struct {
	Enabled  bool          `mapstructure:"enabled"`
	Priority int           `mapstructure:"priority"`
	Interval time.Duration `mapstructure:"interval"`
}

type LatencyArbitrageConfig struct {
	StrategyCommon `mapstructure:",squash"`
	Markets        []string      `mapstructure:"markets"`
	MinEdge        float64       `mapstructure:"min_edge"`
	MaxLatencyMs   int           `mapstructure:"max_latency_ms"`
	MinMovePct     float64       `mapstructure:"min_move_pct"`
	MomentumWindow time.Duration `mapstructure:"momentum_window"`
	MaxHold        time.Duration `mapstructure:"max_hold"`
}

type BinaryHedgingConfig struct {
	StrategyCommon `mapstructure:",squash"`
	MinDiscount    float64 `mapstructure:"min_discount"`
	MaxPositions   int     `mapstructure:"max_positions"`
	MaxMarkets     int     `mapstructure:"max_markets"`
}

type CombinatorialArbitrageConfig struct {
	StrategyCommon     `mapstructure:",squash"`
	MinEdge            float64 `mapstructure:"min_edge"`
	MaxMarketsPerCombo int     `mapstructure:"max_markets_per_combo"`
	MaxMarketsPerTopic int     `mapstructure:"max_markets_per_topic"`
}

type MarketMakingConfig struct {
	StrategyCommon          `mapstructure:",squash"`
	MinSpread               float64       `mapstructure:"min_spread"`
	VolatilityLookbackHours []int         `mapstructure:"volatility_lookback_hours"`
	MaxVolatility           float64       `mapstructure:"max_volatility"`
	OrderSizeUSD            float64       `mapstructure:"order_size_usd"`
	OrderExpiry             time.Duration `mapstructure:"order_expiry"`
	MaxMarkets              int           `mapstructure:"max_markets"`
}

var ErrMissingPrivateKey = errors.New("POLYMARKET_PRIVATE_KEY is required")

func Load(path string, envOnly bool) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.live_trading", false)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)
	v.SetDefault("db.enabled", false)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.status_log", "@every 5m")
	v.SetDefault("cron.expire_trades", "@every 1m")
	v.SetDefault("cron.interim_report", "@every 30m")
	v.SetDefault("clob_rest.base_url", "https://clob.polymarket.com")
	v.SetDefault("clob_rest.timeout", "10s")

	v.SetDefault("feed.stream_url", "wss://stream.binance.com:9443/stream")
	v.SetDefault("feed.rest_base_url", "https://api.binance.com")
	v.SetDefault("feed.symbols", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})
	v.SetDefault("feed.poll_interval", "2s")
	v.SetDefault("feed.timeout", "5s")
	v.SetDefault("feed.idle_timeout", "30s")

	v.SetDefault("credentials.chain_id", 137)

	v.SetDefault("trading.max_position_size_usd", 1000)
	v.SetDefault("trading.risk_per_trade", 0.02)
	v.SetDefault("trading.min_profit_threshold", 0.025)
	v.SetDefault("trading.max_slippage", 0.005)
	v.SetDefault("trading.winner_fee", 0.02)
	v.SetDefault("trading.taker_fee", 0.0)

	v.SetDefault("risk.max_total_exposure_usd", 10000)
	v.SetDefault("risk.max_positions", 20)
	v.SetDefault("risk.max_loss_per_day_usd", 500)
	v.SetDefault("risk.emergency_stop_loss_pct", 0.1)
	v.SetDefault("risk.ledger_retention", "168h")

	v.SetDefault("testing.enabled", false)
	v.SetDefault("testing.output_dir", "simulation_results")
	v.SetDefault("testing.monitor_interval", "30s")
	v.SetDefault("testing.auto_resolve_timeout", "0s")
	v.SetDefault("testing.generate_reports", true)
	v.SetDefault("testing.paper_balance_usd", 10000)

	v.SetDefault("strategies.latency_arbitrage.enabled", true)
	v.SetDefault("strategies.latency_arbitrage.priority", 1)
	v.SetDefault("strategies.latency_arbitrage.interval", "1s")
	v.SetDefault("strategies.latency_arbitrage.markets", []string{"BTC_15min", "ETH_15min", "SOL_15min"})
	v.SetDefault("strategies.latency_arbitrage.min_edge", 0.03)
	v.SetDefault("strategies.latency_arbitrage.max_latency_ms", 500)
	v.SetDefault("strategies.latency_arbitrage.min_move_pct", 1.0)
	v.SetDefault("strategies.latency_arbitrage.momentum_window", "60s")
	v.SetDefault("strategies.latency_arbitrage.max_hold", "14m")

	v.SetDefault("strategies.binary_hedging.enabled", true)
	v.SetDefault("strategies.binary_hedging.priority", 2)
	v.SetDefault("strategies.binary_hedging.interval", "2s")
	v.SetDefault("strategies.binary_hedging.min_discount", 0.034)
	v.SetDefault("strategies.binary_hedging.max_positions", 10)
	v.SetDefault("strategies.binary_hedging.max_markets", 50)

	v.SetDefault("strategies.combinatorial_arbitrage.enabled", true)
	v.SetDefault("strategies.combinatorial_arbitrage.priority", 3)
	v.SetDefault("strategies.combinatorial_arbitrage.interval", "10s")
	v.SetDefault("strategies.combinatorial_arbitrage.min_edge", 0.02)
	v.SetDefault("strategies.combinatorial_arbitrage.max_markets_per_combo", 5)
	v.SetDefault("strategies.combinatorial_arbitrage.max_markets_per_topic", 10)

	v.SetDefault("strategies.market_making.enabled", true)
	v.SetDefault("strategies.market_making.priority", 4)
	v.SetDefault("strategies.market_making.interval", "30s")
	v.SetDefault("strategies.market_making.min_spread", 0.025)
	v.SetDefault("strategies.market_making.volatility_lookback_hours", []int{3, 24, 168, 720})
	v.SetDefault("strategies.market_making.max_volatility", 0.05)
	v.SetDefault("strategies.market_making.order_size_usd", 50)
	v.SetDefault("strategies.market_making.order_expiry", "1h")
	v.SetDefault("strategies.market_making.max_markets", 20)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	applyLegacyEnv(&cfg)

	return cfg, nil
}

// applyLegacyEnv honours the unprefixed variable names operators already use.
func applyLegacyEnv(cfg *Config) {
	if raw, ok := os.LookupEnv("TESTING_MODE"); ok {
		cfg.Testing.Enabled = cfg.Testing.Enabled || parseBool(raw)
	}
	if raw, ok := os.LookupEnv("ENABLE_LIVE_TRADING"); ok {
		cfg.App.LiveTrading = parseBool(raw)
	}
	if raw, ok := os.LookupEnv("LOG_LEVEL"); ok && strings.TrimSpace(raw) != "" {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(raw))
	}
	envString(&cfg.Credentials.PrivateKey, "POLYMARKET_PRIVATE_KEY")
	envString(&cfg.Credentials.APIKey, "POLYMARKET_API_KEY")
	envString(&cfg.Credentials.APISecret, "POLYMARKET_SECRET")
	envString(&cfg.Credentials.APIPassphrase, "POLYMARKET_PASSPHRASE")
	envString(&cfg.Credentials.Address, "POLYMARKET_ADDRESS")
	envString(&cfg.Credentials.BinanceAPIKey, "BINANCE_API_KEY")
	envString(&cfg.Credentials.BinanceAPISecret, "BINANCE_API_SECRET")
	if raw := strings.TrimSpace(os.Getenv("POLYMARKET_CHAIN_ID")); raw != "" {
		if id, err := strconv.Atoi(raw); err == nil {
			cfg.Credentials.ChainID = id
		}
	}
}

func envString(dst *string, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		*dst = raw
	}
}

func parseBool(raw string) bool {
	raw = strings.TrimSpace(raw)
	return strings.EqualFold(raw, "true") || raw == "1"
}

// Validate fails fast on values the strategies and governor cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Trading.MaxPositionSizeUSD <= 0 {
		errs = append(errs, errors.New("trading.max_position_size_usd must be > 0"))
	}
	if c.Trading.RiskPerTrade <= 0 || c.Trading.RiskPerTrade > 1 {
		errs = append(errs, errors.New("trading.risk_per_trade must be in (0,1]"))
	}
	if c.Trading.WinnerFee < 0 || c.Trading.WinnerFee >= 1 {
		errs = append(errs, errors.New("trading.winner_fee must be in [0,1)"))
	}
	if c.Trading.TakerFee < 0 || c.Trading.TakerFee >= 1 {
		errs = append(errs, errors.New("trading.taker_fee must be in [0,1)"))
	}
	if c.Risk.MaxTotalExposureUSD <= 0 {
		errs = append(errs, errors.New("risk.max_total_exposure_usd must be > 0"))
	}
	if c.Risk.MaxPositions <= 0 {
		errs = append(errs, errors.New("risk.max_positions must be > 0"))
	}
	if c.Risk.MaxLossPerDayUSD <= 0 {
		errs = append(errs, errors.New("risk.max_loss_per_day_usd must be > 0"))
	}
	if c.Risk.EmergencyStopLossPct <= 0 || c.Risk.EmergencyStopLossPct > 1 {
		errs = append(errs, errors.New("risk.emergency_stop_loss_pct must be in (0,1]"))
	}
	if c.Testing.Enabled {
		if strings.TrimSpace(c.Testing.OutputDir) == "" {
			errs = append(errs, errors.New("testing.output_dir is required in testing mode"))
		}
		if c.Testing.MonitorInterval <= 0 {
			errs = append(errs, errors.New("testing.monitor_interval must be > 0"))
		}
	}

	s := c.Strategies
	if s.LatencyArbitrage.Enabled {
		errs = append(errs, checkCommon(StrategyLatencyArbitrage, s.LatencyArbitrage.StrategyCommon)...)
		if s.LatencyArbitrage.MinEdge <= 0 {
			errs = append(errs, errors.New("latency_arbitrage.min_edge must be > 0"))
		}
		if s.LatencyArbitrage.MinMovePct <= 0 {
			errs = append(errs, errors.New("latency_arbitrage.min_move_pct must be > 0"))
		}
		if s.LatencyArbitrage.MomentumWindow <= 0 || s.LatencyArbitrage.MaxHold <= 0 {
			errs = append(errs, errors.New("latency_arbitrage.momentum_window and max_hold must be > 0"))
		}
		if len(s.LatencyArbitrage.Markets) == 0 {
			errs = append(errs, errors.New("latency_arbitrage.markets must not be empty"))
		}
	}
	if s.BinaryHedging.Enabled {
		errs = append(errs, checkCommon(StrategyBinaryHedging, s.BinaryHedging.StrategyCommon)...)
		if s.BinaryHedging.MinDiscount <= 0 || s.BinaryHedging.MinDiscount >= 1 {
			errs = append(errs, errors.New("binary_hedging.min_discount must be in (0,1)"))
		}
		if s.BinaryHedging.MaxPositions <= 0 {
			errs = append(errs, errors.New("binary_hedging.max_positions must be > 0"))
		}
	}
	if s.CombinatorialArbitrage.Enabled {
		errs = append(errs, checkCommon(StrategyCombinatorialArbitrage, s.CombinatorialArbitrage.StrategyCommon)...)
		if s.CombinatorialArbitrage.MinEdge <= 0 {
			errs = append(errs, errors.New("combinatorial_arbitrage.min_edge must be > 0"))
		}
		if s.CombinatorialArbitrage.MaxMarketsPerCombo < 2 {
			errs = append(errs, errors.New("combinatorial_arbitrage.max_markets_per_combo must be >= 2"))
		}
	}
	if s.MarketMaking.Enabled {
		errs = append(errs, checkCommon(StrategyMarketMaking, s.MarketMaking.StrategyCommon)...)
		if s.MarketMaking.MinSpread <= 0 {
			errs = append(errs, errors.New("market_making.min_spread must be > 0"))
		}
		if len(s.MarketMaking.VolatilityLookbackHours) == 0 {
			errs = append(errs, errors.New("market_making.volatility_lookback_hours must not be empty"))
		}
		if s.MarketMaking.OrderSizeUSD <= 0 {
			errs = append(errs, errors.New("market_making.order_size_usd must be > 0"))
		}
	}
	return errors.Join(errs...)
}

func checkCommon(name string, c StrategyCommon) []error {
	if c.Interval <= 0 {
		return []error{fmt.Errorf("%s.interval must be > 0", name)}
	}
	return nil
}

// ValidateCredentials applies the startup credential rule: live or dry-run
// runs need a signing key, paper trading does not.
func (c Config) ValidateCredentials() error {
	if c.Testing.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Credentials.PrivateKey) == "" {
		return ErrMissingPrivateKey
	}
	return nil
}

// EnabledStrategies lists enabled strategy names ordered by priority.
func (c Config) EnabledStrategies() []string {
	type entry struct {
		name     string
		priority int
	}
	s := c.Strategies
	all := []entry{}
	if s.LatencyArbitrage.Enabled {
		all = append(all, entry{StrategyLatencyArbitrage, s.LatencyArbitrage.Priority})
	}
	if s.BinaryHedging.Enabled {
		all = append(all, entry{StrategyBinaryHedging, s.BinaryHedging.Priority})
	}
	if s.CombinatorialArbitrage.Enabled {
		all = append(all, entry{StrategyCombinatorialArbitrage, s.CombinatorialArbitrage.Priority})
	}
	if s.MarketMaking.Enabled {
		all = append(all, entry{StrategyMarketMaking, s.MarketMaking.Priority})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].priority < all[j].priority })
	out := make([]string, 0, len(all))
	for _, e := range all {
		out = append(out, e.name)
	}
	return out
}
