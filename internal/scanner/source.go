package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"futures_orchestrator/internal/core"

	"github.com/shopspring/decimal"
)

// FileSignalSource implements Analyzer over a drop directory: the external
// analysis engine writes one JSON file per symbol; the scanner consumes the
// file exactly once (it is removed after a successful read). A missing file
// means no trade this batch.
type FileSignalSource struct {
	dir    string
	logger core.ILogger
}

// NewFileSignalSource creates a source over dir
func NewFileSignalSource(dir string, logger core.ILogger) *FileSignalSource {
	return &FileSignalSource{
		dir:    dir,
		logger: logger.WithField("component", "signal_source"),
	}
}

// signalFile is the on-disk signal payload; decimals arrive as strings
type signalFile struct {
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	EntryPrice string  `json:"entry_price"`
	StopLoss   string  `json:"stop_loss"`
	TakeProfit string  `json:"take_profit"`
	Confidence float64 `json:"confidence"`
	SignalID   string  `json:"signal_id"`
	Source     string  `json:"source"`
}

// Analyze returns the pending signal for symbol, if one was dropped
func (s *FileSignalSource) Analyze(ctx context.Context, symbol string) (*core.TradingSignal, error) {
	path := filepath.Join(s.dir, strings.ToUpper(symbol)+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read signal file: %w", err)
	}

	// Consume-once: remove before acting so a crash mid-execution drops the
	// signal rather than replaying it.
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("failed to consume signal file: %w", err)
	}

	var raw signalFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed signal file %s: %w", path, err)
	}

	signal, err := raw.toSignal()
	if err != nil {
		return nil, fmt.Errorf("invalid signal in %s: %w", path, err)
	}
	if signal.Symbol != strings.ToUpper(symbol) {
		return nil, fmt.Errorf("signal file %s carries symbol %s", path, signal.Symbol)
	}
	return signal, nil
}

func (f *signalFile) toSignal() (*core.TradingSignal, error) {
	entry, err := decimal.NewFromString(f.EntryPrice)
	if err != nil {
		return nil, fmt.Errorf("entry_price: %w", err)
	}
	sl, err := decimal.NewFromString(f.StopLoss)
	if err != nil {
		return nil, fmt.Errorf("stop_loss: %w", err)
	}
	tp, err := decimal.NewFromString(f.TakeProfit)
	if err != nil {
		return nil, fmt.Errorf("take_profit: %w", err)
	}

	signal := &core.TradingSignal{
		Symbol:     strings.ToUpper(f.Symbol),
		Direction:  core.SignalType(strings.ToUpper(f.Direction)),
		EntryPrice: entry,
		StopLoss:   sl,
		TakeProfit: tp,
		Confidence: f.Confidence,
		SignalID:   f.SignalID,
		Source:     f.Source,
	}
	if err := signal.Validate(); err != nil {
		return nil, err
	}
	return signal, nil
}
