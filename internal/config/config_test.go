package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
exchange:
  api_key: test-key
  secret_key: test-secret
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.App.LogLevel)
	assert.Equal(t, "USDT", cfg.App.QuoteAsset)
	assert.Equal(t, "binance", cfg.Exchange.Name)
	assert.Equal(t, "orders_watchdog_state.json", cfg.Files.StateFile)
	assert.Equal(t, "orders_watchdog_requests.json", cfg.Files.RequestQueue)
	assert.Equal(t, "trading_params.conf", cfg.Files.TradingParams)
	assert.Equal(t, "tickers.txt", cfg.Files.TickerList)
	assert.Equal(t, "signals", cfg.Files.SignalDir)
	assert.Equal(t, 8, cfg.Concurrency.ScannerPoolSize)
	assert.Equal(t, 9091, cfg.Telemetry.ScannerMetricsPort)
	assert.Equal(t, 9092, cfg.Telemetry.WatchdogMetricsPort)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("ORCH_TEST_API_KEY", "key-from-env")
	t.Setenv("ORCH_TEST_SECRET", "secret-from-env")

	cfg, err := LoadConfig(writeConfig(t, `
exchange:
  api_key: ${ORCH_TEST_API_KEY}
  secret_key: ${ORCH_TEST_SECRET}
`))
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Exchange.APIKey)
	assert.Equal(t, "secret-from-env", cfg.Exchange.SecretKey)
}

func TestLoadConfigUnsetEnvVarFailsValidation(t *testing.T) {
	// ${UNSET} expands to empty, so the required key check fires
	_, err := LoadConfig(writeConfig(t, `
exchange:
  api_key: ${ORCH_TEST_DEFINITELY_UNSET}
  secret_key: s
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestLoadConfigRejectsMissingCredentials(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "app:\n  log_level: INFO\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestLoadConfigRejectsBadLogLevel(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
app:
  log_level: VERBOSE
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestLoadConfigRejectsBadPoolSize(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
concurrency:
  scanner_pool_size: 500
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanner_pool_size")
}

func TestLoadConfigRejectsBadPort(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
telemetry:
  watchdog_metrics_port: 70000
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watchdog_metrics_port")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "exchange: [not: a map\n"))
	assert.Error(t, err)
}
