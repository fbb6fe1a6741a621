// Package watchdog owns the post-submission lifecycle of entry orders: the
// durable state store, the file request queue, the polling state machine,
// and the trailing-stop procedure.
package watchdog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"futures_orchestrator/internal/core"
	apperrors "futures_orchestrator/pkg/errors"
	"futures_orchestrator/pkg/fsatomic"
	"futures_orchestrator/pkg/telemetry"
)

// BackupSuffix is appended to the state path for the previous generation
const BackupSuffix = ".backup.json"

// Store is the durable keyed set of live WatchedOrders. The watchdog loop
// is the sole mutator; every mutation persists the full set before returning.
type Store struct {
	path   string
	logger core.ILogger

	mu     sync.RWMutex
	orders map[string]*core.WatchedOrder
}

// NewStore creates a store backed by path. Call Load before first use.
func NewStore(path string, logger core.ILogger) *Store {
	return &Store{
		path:   path,
		logger: logger.WithField("component", "state_store"),
		orders: make(map[string]*core.WatchedOrder),
	}
}

// Load reads the state file, falling back to the backup on parse failure.
// If both are unreadable it returns ErrStateLoadFailed and the store starts
// empty; the caller decides how loudly to surface that.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := readStateFile(s.path)
	if err == nil {
		s.orders = orders
		s.logger.Info("State loaded", "orders", len(orders))
		s.publishGauges()
		return nil
	}
	if os.IsNotExist(err) {
		s.logger.Info("No state file, starting empty", "path", s.path)
		s.orders = make(map[string]*core.WatchedOrder)
		return nil
	}
	s.logger.Warn("State file unreadable, trying backup", "path", s.path, "error", err)

	orders, backupErr := readStateFile(s.path + BackupSuffix)
	if backupErr == nil {
		s.orders = orders
		s.logger.Warn("State recovered from backup", "orders", len(orders))
		s.publishGauges()
		return nil
	}

	s.orders = make(map[string]*core.WatchedOrder)
	return fmt.Errorf("%w: state: %v, backup: %v", apperrors.ErrStateLoadFailed, err, backupErr)
}

func readStateFile(path string) (map[string]*core.WatchedOrder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// Unknown JSON fields are ignored; missing fields take zero defaults.
	var orders map[string]*core.WatchedOrder
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if orders == nil {
		orders = make(map[string]*core.WatchedOrder)
	}
	for id, o := range orders {
		if o == nil || o.OrderID == "" || o.OrderID != id {
			return nil, fmt.Errorf("corrupt record under key %q in %s", id, path)
		}
	}
	return orders, nil
}

// Add registers a new WatchedOrder. A second record with the same order_id
// is rejected, which makes redelivered add_order requests idempotent.
func (s *Store) Add(w *core.WatchedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[w.OrderID]; exists {
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateWatch, w.OrderID)
	}
	s.orders[w.OrderID] = w.Clone()
	return s.persistLocked()
}

// Update replaces the stored record for w.OrderID
func (s *Store) Update(w *core.WatchedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[w.OrderID]; !exists {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, w.OrderID)
	}
	s.orders[w.OrderID] = w.Clone()
	return s.persistLocked()
}

// Remove deletes a record (terminal transition)
func (s *Store) Remove(orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[orderID]; !exists {
		return nil
	}
	delete(s.orders, orderID)
	return s.persistLocked()
}

// Get returns a copy of one record
func (s *Store) Get(orderID string) (*core.WatchedOrder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.orders[orderID]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// List returns copies of every live record, ordered by creation time for
// deterministic poll iteration.
func (s *Store) List() []*core.WatchedOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.WatchedOrder, 0, len(s.orders))
	for _, w := range s.orders {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// LiveOrders returns the non-terminal orders for symbol ("" for all).
// It lets the store serve as a reconciliation state source.
func (s *Store) LiveOrders(symbol string) ([]*core.WatchedOrder, error) {
	var out []*core.WatchedOrder
	for _, w := range s.List() {
		if symbol != "" && w.Symbol != symbol {
			continue
		}
		if !w.Status.IsTerminal() {
			out = append(out, w)
		}
	}
	return out, nil
}

// Len returns the live-set size
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

// Persist forces a write of the current set, used for the final persist on
// shutdown.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked serializes the full live set via temp-write-and-rename,
// rotating the previous generation into the backup first.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.orders, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	if prev, readErr := os.ReadFile(s.path); readErr == nil {
		if err := fsatomic.WriteFile(s.path+BackupSuffix, prev, 0o644); err != nil {
			s.logger.Warn("Failed to rotate state backup", "error", err)
		}
	}

	if err := fsatomic.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	s.publishGauges()
	return nil
}

func (s *Store) publishGauges() {
	counts := make(map[string]int64)
	for _, w := range s.orders {
		counts[w.Symbol]++
	}
	m := telemetry.GetGlobalMetrics()
	for sym, n := range counts {
		m.SetLiveWatched(sym, n)
	}
}

// SnapshotReader reads the watchdog state file read-only. The scanner uses
// it to see the watchdog's live set without sharing memory; it implements
// the executor's StateReader.
type SnapshotReader struct {
	path string
}

// NewSnapshotReader creates a reader over the watchdog state file
func NewSnapshotReader(path string) *SnapshotReader {
	return &SnapshotReader{path: path}
}

// LiveOrders returns the non-terminal orders for symbol ("" for all)
func (r *SnapshotReader) LiveOrders(symbol string) ([]*core.WatchedOrder, error) {
	orders, err := readStateFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*core.WatchedOrder
	for _, w := range orders {
		if symbol != "" && w.Symbol != symbol {
			continue
		}
		if !w.Status.IsTerminal() {
			out = append(out, w)
		}
	}
	return out, nil
}
