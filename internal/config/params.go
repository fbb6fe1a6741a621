package config

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"futures_orchestrator/internal/core"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// TradingParams are the scalar trading parameters the scanner re-reads at
// each batch boundary. A loaded snapshot is immutable; components take the
// pointer at the top of a batch and use it for the whole decision.
type TradingParams struct {
	RiskPercent             decimal.Decimal
	Leverage                int
	MaxConcurrentOrders     int
	PollIntervalSeconds     int
	MaxSLTPAttempts         int
	TrailingTriggerFraction decimal.Decimal
	TrailingCloseFraction   decimal.Decimal
	TrailingSLFraction      decimal.Decimal
}

// DefaultTradingParams returns the documented defaults
func DefaultTradingParams() *TradingParams {
	return &TradingParams{
		RiskPercent:             decimal.NewFromInt(2),
		Leverage:                10,
		MaxConcurrentOrders:     1,
		PollIntervalSeconds:     30,
		MaxSLTPAttempts:         3,
		TrailingTriggerFraction: decimal.RequireFromString("0.80"),
		TrailingCloseFraction:   decimal.RequireFromString("0.80"),
		TrailingSLFraction:      decimal.RequireFromString("0.50"),
	}
}

// Validate checks the parameter ranges
func (p *TradingParams) Validate() error {
	if p.RiskPercent.LessThanOrEqual(decimal.Zero) || p.RiskPercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("RISK_PERCENT %s out of (0,100]", p.RiskPercent)
	}
	if p.Leverage < 1 || p.Leverage > 125 {
		return fmt.Errorf("LEVERAGE %d out of [1,125]", p.Leverage)
	}
	if p.MaxConcurrentOrders < 1 {
		return fmt.Errorf("MAX_CONCURRENT_ORDERS %d must be >= 1", p.MaxConcurrentOrders)
	}
	if p.PollIntervalSeconds < 1 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS %d must be >= 1", p.PollIntervalSeconds)
	}
	if p.MaxSLTPAttempts < 1 {
		return fmt.Errorf("MAX_SL_TP_ATTEMPTS %d must be >= 1", p.MaxSLTPAttempts)
	}
	one := decimal.NewFromInt(1)
	for name, f := range map[string]decimal.Decimal{
		"TRAILING_TRIGGER_FRACTION": p.TrailingTriggerFraction,
		"TRAILING_CLOSE_FRACTION":   p.TrailingCloseFraction,
		"TRAILING_SL_FRACTION":      p.TrailingSLFraction,
	} {
		if f.LessThanOrEqual(decimal.Zero) || f.GreaterThanOrEqual(one) {
			return fmt.Errorf("%s %s out of (0,1)", name, f)
		}
	}
	return nil
}

// ParseTradingParams reads the key=value params file. Missing keys keep
// their defaults; malformed values are errors, not silent fallbacks.
func ParseTradingParams(path string) (*TradingParams, error) {
	kv, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trading params: %w", err)
	}

	p := DefaultTradingParams()

	if v, ok := kv["RISK_PERCENT"]; ok {
		if p.RiskPercent, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("invalid RISK_PERCENT %q: %w", v, err)
		}
	}
	if v, ok := kv["LEVERAGE"]; ok {
		if p.Leverage, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid LEVERAGE %q: %w", v, err)
		}
	}
	if v, ok := kv["MAX_CONCURRENT_ORDERS"]; ok {
		if p.MaxConcurrentOrders, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_ORDERS %q: %w", v, err)
		}
	}
	if v, ok := kv["POLL_INTERVAL_SECONDS"]; ok {
		if p.PollIntervalSeconds, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL_SECONDS %q: %w", v, err)
		}
	}
	if v, ok := kv["MAX_SL_TP_ATTEMPTS"]; ok {
		if p.MaxSLTPAttempts, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid MAX_SL_TP_ATTEMPTS %q: %w", v, err)
		}
	}
	if v, ok := kv["TRAILING_TRIGGER_FRACTION"]; ok {
		if p.TrailingTriggerFraction, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("invalid TRAILING_TRIGGER_FRACTION %q: %w", v, err)
		}
	}
	if v, ok := kv["TRAILING_CLOSE_FRACTION"]; ok {
		if p.TrailingCloseFraction, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("invalid TRAILING_CLOSE_FRACTION %q: %w", v, err)
		}
	}
	if v, ok := kv["TRAILING_SL_FRACTION"]; ok {
		if p.TrailingSLFraction, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("invalid TRAILING_SL_FRACTION %q: %w", v, err)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParamsStore publishes the current TradingParams snapshot. Reload swaps
// the pointer atomically; readers never see a half-updated set.
type ParamsStore struct {
	path   string
	cur    atomic.Pointer[TradingParams]
	logger core.ILogger
}

// NewParamsStore loads the initial snapshot from path
func NewParamsStore(path string, logger core.ILogger) (*ParamsStore, error) {
	s := &ParamsStore{
		path:   path,
		logger: logger.WithField("component", "params_store"),
	}
	p, err := ParseTradingParams(path)
	if err != nil {
		return nil, err
	}
	s.cur.Store(p)
	return s, nil
}

// Current returns the live snapshot
func (s *ParamsStore) Current() *TradingParams {
	return s.cur.Load()
}

// Reload re-reads the params file. On failure the previous snapshot stays
// in effect and the error is logged; a batch never runs with partial params.
func (s *ParamsStore) Reload() *TradingParams {
	p, err := ParseTradingParams(s.path)
	if err != nil {
		s.logger.Warn("Trading params reload failed, keeping previous snapshot", "error", err)
		return s.cur.Load()
	}
	s.cur.Store(p)
	s.logger.Debug("Trading params reloaded",
		"risk_percent", p.RiskPercent.String(),
		"leverage", p.Leverage,
		"max_concurrent_orders", p.MaxConcurrentOrders)
	return p
}
