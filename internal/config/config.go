// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the static process configuration. Changing any of these
// values requires a restart.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Files       FilesConfig       `yaml:"files"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	LogLevel   string `yaml:"log_level"`
	HedgeMode  bool   `yaml:"hedge_mode"`
	QuoteAsset string `yaml:"quote_asset"`
	// Enables the mark-price WebSocket feed in the watchdog. Polling
	// remains the correctness floor when disabled or disconnected.
	MarkPriceStream bool `yaml:"mark_price_stream"`
}

// ExchangeConfig contains exchange connectivity settings
type ExchangeConfig struct {
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"` // optional override for the REST endpoint
	WSURL     string `yaml:"ws_url"`   // optional override for the stream endpoint
}

// FilesConfig holds the durable file paths shared by the two processes
type FilesConfig struct {
	StateFile       string `yaml:"state_file"`
	RequestQueue    string `yaml:"request_queue"`
	TradingParams   string `yaml:"trading_params"`
	TickerList      string `yaml:"ticker_list"`
	SignalDir       string `yaml:"signal_dir"`
	HistoryDB       string `yaml:"history_db"`
	ScannerPIDFile  string `yaml:"scanner_pid_file"`
	WatchdogPIDFile string `yaml:"watchdog_pid_file"`
}

// NotifierConfig contains notification channel settings
type NotifierConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// TelemetryConfig contains telemetry settings. The two processes expose
// separate scrape endpoints so both can run on one host.
type TelemetryConfig struct {
	ScannerMetricsPort  int  `yaml:"scanner_metrics_port"`
	WatchdogMetricsPort int  `yaml:"watchdog_metrics_port"`
	EnableMetrics       bool `yaml:"enable_metrics"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ScannerPoolSize   int `yaml:"scanner_pool_size"`
	ScannerPoolBuffer int `yaml:"scanner_pool_buffer"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.App.QuoteAsset == "" {
		c.App.QuoteAsset = "USDT"
	}
	if c.Exchange.Name == "" {
		c.Exchange.Name = "binance"
	}
	if c.Files.StateFile == "" {
		c.Files.StateFile = "orders_watchdog_state.json"
	}
	if c.Files.RequestQueue == "" {
		c.Files.RequestQueue = "orders_watchdog_requests.json"
	}
	if c.Files.TradingParams == "" {
		c.Files.TradingParams = "trading_params.conf"
	}
	if c.Files.TickerList == "" {
		c.Files.TickerList = "tickers.txt"
	}
	if c.Files.SignalDir == "" {
		c.Files.SignalDir = "signals"
	}
	if c.Files.ScannerPIDFile == "" {
		c.Files.ScannerPIDFile = "scanner.pid"
	}
	if c.Files.WatchdogPIDFile == "" {
		c.Files.WatchdogPIDFile = "watchdog.pid"
	}
	if c.Concurrency.ScannerPoolSize == 0 {
		c.Concurrency.ScannerPoolSize = 8
	}
	if c.Concurrency.ScannerPoolBuffer == 0 {
		c.Concurrency.ScannerPoolBuffer = 100
	}
	if c.Telemetry.ScannerMetricsPort == 0 {
		c.Telemetry.ScannerMetricsPort = 9091
	}
	if c.Telemetry.WatchdogMetricsPort == 0 {
		c.Telemetry.WatchdogMetricsPort = 9092
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.App.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return ValidationError{Field: "app.log_level", Value: c.App.LogLevel, Message: "must be one of DEBUG INFO WARN ERROR FATAL"}
	}

	if c.Exchange.APIKey == "" {
		return ValidationError{Field: "exchange.api_key", Value: "", Message: "is required"}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{Field: "exchange.secret_key", Value: "", Message: "is required"}
	}

	if c.Concurrency.ScannerPoolSize < 1 || c.Concurrency.ScannerPoolSize > 100 {
		return ValidationError{Field: "concurrency.scanner_pool_size", Value: c.Concurrency.ScannerPoolSize, Message: "must be in [1,100]"}
	}

	if c.Telemetry.ScannerMetricsPort < 1 || c.Telemetry.ScannerMetricsPort > 65535 {
		return ValidationError{Field: "telemetry.scanner_metrics_port", Value: c.Telemetry.ScannerMetricsPort, Message: "must be a valid port"}
	}
	if c.Telemetry.WatchdogMetricsPort < 1 || c.Telemetry.WatchdogMetricsPort > 65535 {
		return ValidationError{Field: "telemetry.watchdog_metrics_port", Value: c.Telemetry.WatchdogMetricsPort, Message: "must be a valid port"}
	}

	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
