package watchdog

import (
	"database/sql"
	"fmt"
	"time"

	"futures_orchestrator/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

// History is an append-only journal of terminal orders in a local SQLite
// database. The live set never depends on it; a journal failure is logged
// and the terminal transition proceeds.
type History struct {
	db     *sql.DB
	logger core.ILogger
}

const historySchema = `
CREATE TABLE IF NOT EXISTS order_history (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id           TEXT NOT NULL,
	client_order_id    TEXT,
	symbol             TEXT NOT NULL,
	side               TEXT NOT NULL,
	position_side      TEXT NOT NULL,
	signal_type        TEXT NOT NULL,
	quantity           TEXT NOT NULL,
	price              TEXT NOT NULL,
	stop_loss          TEXT NOT NULL,
	take_profit        TEXT NOT NULL,
	entry_price_filled TEXT,
	position_size      TEXT,
	trailing_triggered INTEGER NOT NULL,
	final_status       TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	filled_at          TEXT,
	closed_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_history_symbol ON order_history(symbol);
CREATE INDEX IF NOT EXISTS idx_order_history_order_id ON order_history(order_id);
`

// OpenHistory opens (creating if needed) the journal database at path.
// An empty path disables the journal.
func OpenHistory(path string, logger core.ILogger) (*History, error) {
	if path == "" {
		return &History{logger: logger}, nil
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init history schema: %w", err)
	}

	return &History{db: db, logger: logger.WithField("component", "history")}, nil
}

// Record appends one terminal order. Best-effort.
func (h *History) Record(w *core.WatchedOrder, finalStatus core.WatchStatus) {
	if h.db == nil {
		return
	}

	var filledAt interface{}
	if w.FilledAt != nil {
		filledAt = w.FilledAt.UTC().Format(time.RFC3339)
	}
	trailing := 0
	if w.TrailingTriggered {
		trailing = 1
	}

	_, err := h.db.Exec(`
		INSERT INTO order_history (
			order_id, client_order_id, symbol, side, position_side, signal_type,
			quantity, price, stop_loss, take_profit,
			entry_price_filled, position_size, trailing_triggered,
			final_status, created_at, filled_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.OrderID, w.ClientOrderID, w.Symbol, string(w.Side), string(w.PositionSide), string(w.SignalType),
		w.Quantity.String(), w.Price.String(), w.StopLoss.String(), w.TakeProfit.String(),
		w.EntryPriceFilled.String(), w.PositionSize.String(), trailing,
		string(finalStatus), w.CreatedAt.UTC().Format(time.RFC3339), filledAt,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		h.logger.Error("Failed to journal terminal order", "order_id", w.OrderID, "error", err)
	}
}

// Close closes the journal database
func (h *History) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}
