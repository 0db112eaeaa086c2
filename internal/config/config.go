// Package config defines all configuration for the hedge engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via FUNDARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. Rate and ratio values are plain numbers here; packages that do
// money math convert them to decimals once at construction.
type Config struct {
	AutoHedge  bool   `mapstructure:"auto_hedge"`
	TradeAsset string `mapstructure:"trade_asset"`
	DataDir    string `mapstructure:"data_dir"`

	PollingIntervalMs   int `mapstructure:"polling_interval_ms"`
	MonitorIntervalMs   int `mapstructure:"monitor_interval_ms"`
	RebalanceIntervalMs int `mapstructure:"rebalance_interval_ms"`
	ShutdownGraceMs     int `mapstructure:"shutdown_grace_ms"`

	HistoryCap int `mapstructure:"history_cap"`

	StopLoss   float64 `mapstructure:"stop_loss"`
	TakeProfit float64 `mapstructure:"take_profit"`
	SizeFactor float64 `mapstructure:"size_factor"`
	LegSizing  string  `mapstructure:"leg_sizing"` // equal_notional or equal_qty

	MaxExposure        float64 `mapstructure:"max_exposure"`
	RebalanceThreshold float64 `mapstructure:"rebalance_threshold"`

	Thresholds   ThresholdsConfig       `mapstructure:"thresholds"`
	Extremes     ExtremesConfig         `mapstructure:"extremes"`
	Regime       RegimeConfig           `mapstructure:"regime"`
	Protection   ProtectionConfig       `mapstructure:"protection"`
	Venues       map[string]VenueConfig `mapstructure:"venues"`
	Notification NotificationConfig     `mapstructure:"notification"`
	History      HistoryConfig          `mapstructure:"history"`
	Metrics      MetricsConfig          `mapstructure:"metrics"`
	API          APIConfig              `mapstructure:"api"`
	Logging      LoggingConfig          `mapstructure:"logging"`
}

// ThresholdsConfig holds the funding-rate magnitudes that grade alerts and
// open opportunities. All are per-interval rates, compared against |rate|.
type ThresholdsConfig struct {
	Warning   float64 `mapstructure:"warning"`
	Critical  float64 `mapstructure:"critical"`
	Arbitrage float64 `mapstructure:"arbitrage"`
}

// ExtremesConfig tunes single-symbol anomaly detection.
//
//   - Window: number of samples for rolling volume/volatility baselines.
//   - ReturnLimit: single-interval |return| that flags a surge/crash.
//   - VolumeFloor: latest/mean volume ratio below which liquidity is flagged.
//   - VolSpike: instantaneous/mean volatility multiple that flags a spike.
type ExtremesConfig struct {
	Window      int     `mapstructure:"window"`
	ReturnLimit float64 `mapstructure:"return_limit"`
	VolumeFloor float64 `mapstructure:"volume_floor"`
	VolSpike    float64 `mapstructure:"vol_spike"`
}

// RegimeConfig controls the ATR/RSI volatility regime classifier. When
// Enabled, new hedge opens are skipped while a symbol is in the extreme
// regime; existing hedges are never touched by the classifier.
type RegimeConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	AtrPeriod int  `mapstructure:"atr_period"`
	RsiPeriod int  `mapstructure:"rsi_period"`
}

// ProtectionConfig sets account-level stop conditions checked on each risk
// tick. Zero disables the respective check.
//
//   - MaxDailyLoss: fraction of total value; breach disables hedging.
//   - MaxDrawdown: fraction below the session equity peak; breach triggers
//     emergency shutdown.
//   - MinBalance: absolute floor in the trade asset; breach disables opens.
type ProtectionConfig struct {
	MaxDailyLoss float64 `mapstructure:"max_daily_loss"`
	MaxDrawdown  float64 `mapstructure:"max_drawdown"`
	MinBalance   float64 `mapstructure:"min_balance"`
}

// VenueConfig holds per-venue credentials and connectivity options. The map
// key in Config.Venues selects the adapter implementation ("binance", "okx").
type VenueConfig struct {
	ApiKey     string `mapstructure:"api_key"`
	ApiSecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"` // OKX only
	Proxy      string `mapstructure:"proxy"`
	Testnet    bool   `mapstructure:"testnet"`
}

// NotificationConfig holds delivery endpoints. Empty values disable the
// respective notifier.
type NotificationConfig struct {
	Webhook string     `mapstructure:"webhook"`
	Chat    ChatConfig `mapstructure:"chat"`
}

// ChatConfig is the Telegram delivery target.
type ChatConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

// HistoryConfig points at the optional startup history collaborator.
type HistoryConfig struct {
	URL   string `mapstructure:"url"`
	Limit int    `mapstructure:"limit"`
}

// MetricsConfig controls the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// APIConfig controls the operator HTTP server. Empty Listen disables it.
type APIConfig struct {
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PollingInterval returns the REST snapshot cadence.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMs) * time.Millisecond
}

// MonitorInterval returns the hedge-monitor and risk-loop cadence.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalMs) * time.Millisecond
}

// RebalanceInterval returns the capital-rebalance cadence.
func (c *Config) RebalanceInterval() time.Duration {
	return time.Duration(c.RebalanceIntervalMs) * time.Millisecond
}

// ShutdownGrace returns how long in-flight I/O may finish after cancel.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

// Load reads config from a YAML file with env var overrides.
// Venue credentials use env vars: FUNDARB_<VENUE>_API_KEY,
// FUNDARB_<VENUE>_API_SECRET, FUNDARB_<VENUE>_PASSPHRASE; notification
// secrets use FUNDARB_TELEGRAM_TOKEN and FUNDARB_WEBHOOK_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FUNDARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	for name, vc := range cfg.Venues {
		prefix := "FUNDARB_" + strings.ToUpper(name)
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			vc.ApiKey = key
		}
		if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
			vc.ApiSecret = secret
		}
		if pass := os.Getenv(prefix + "_PASSPHRASE"); pass != "" {
			vc.Passphrase = pass
		}
		cfg.Venues[name] = vc
	}
	if token := os.Getenv("FUNDARB_TELEGRAM_TOKEN"); token != "" {
		cfg.Notification.Chat.Token = token
	}
	if url := os.Getenv("FUNDARB_WEBHOOK_URL"); url != "" {
		cfg.Notification.Webhook = url
	}
	if os.Getenv("FUNDARB_AUTO_HEDGE") == "true" || os.Getenv("FUNDARB_AUTO_HEDGE") == "1" {
		cfg.AutoHedge = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trade_asset", "USDT")
	v.SetDefault("data_dir", "data")
	v.SetDefault("polling_interval_ms", 30000)
	v.SetDefault("monitor_interval_ms", 10000)
	v.SetDefault("rebalance_interval_ms", 60000)
	v.SetDefault("shutdown_grace_ms", 10000)
	v.SetDefault("history_cap", 200)
	v.SetDefault("stop_loss", 0.05)
	v.SetDefault("take_profit", 0.10)
	v.SetDefault("size_factor", 0.5)
	v.SetDefault("leg_sizing", "equal_notional")
	v.SetDefault("max_exposure", 0.10)
	v.SetDefault("rebalance_threshold", 0.03)
	v.SetDefault("thresholds.warning", 0.0005)
	v.SetDefault("thresholds.critical", 0.001)
	v.SetDefault("thresholds.arbitrage", 0.002)
	v.SetDefault("extremes.window", 20)
	v.SetDefault("extremes.return_limit", 0.05)
	v.SetDefault("extremes.volume_floor", 0.3)
	v.SetDefault("extremes.vol_spike", 3.0)
	v.SetDefault("regime.atr_period", 14)
	v.SetDefault("regime.rsi_period", 14)
	v.SetDefault("history.limit", 200)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Thresholds.Warning <= 0 {
		return fmt.Errorf("thresholds.warning must be > 0")
	}
	if c.Thresholds.Critical <= c.Thresholds.Warning {
		return fmt.Errorf("thresholds.critical must be > thresholds.warning")
	}
	if c.Thresholds.Arbitrage <= 0 {
		return fmt.Errorf("thresholds.arbitrage must be > 0")
	}
	if c.PollingIntervalMs <= 0 {
		return fmt.Errorf("polling_interval_ms must be > 0")
	}
	if c.MonitorIntervalMs <= 0 {
		return fmt.Errorf("monitor_interval_ms must be > 0")
	}
	if c.HistoryCap <= 0 {
		return fmt.Errorf("history_cap must be > 0")
	}
	if c.StopLoss <= 0 {
		return fmt.Errorf("stop_loss must be > 0")
	}
	if c.TakeProfit <= 0 {
		return fmt.Errorf("take_profit must be > 0")
	}
	if c.SizeFactor <= 0 || c.SizeFactor > 1 {
		return fmt.Errorf("size_factor must be in (0, 1]")
	}
	switch c.LegSizing {
	case "equal_notional", "equal_qty":
	default:
		return fmt.Errorf("leg_sizing must be equal_notional or equal_qty")
	}
	if c.MaxExposure <= 0 || c.MaxExposure > 1 {
		return fmt.Errorf("max_exposure must be in (0, 1]")
	}
	if c.RebalanceThreshold <= 0 {
		return fmt.Errorf("rebalance_threshold must be > 0")
	}
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue must be configured")
	}
	if c.AutoHedge && len(c.Venues) < 2 {
		return fmt.Errorf("auto_hedge requires at least two venues")
	}
	for name := range c.Venues {
		switch name {
		case "binance", "okx":
		default:
			return fmt.Errorf("venues.%s: unknown venue (supported: binance, okx)", name)
		}
	}
	return nil
}
