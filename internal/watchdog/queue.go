package watchdog

import (
	"encoding/json"
	"fmt"
	"os"

	"futures_orchestrator/internal/core"
	"futures_orchestrator/pkg/fsatomic"
)

// FileQueue is the durable one-way channel from the scanner process to the
// watchdog process: a JSON array on disk, appended by the producer and
// truncated by the consumer. Writes go through temp-and-rename, so a crash
// leaves either the old or the new file, never a partial one. A sibling
// .lock file excludes concurrent read-modify-write windows.
//
// Delivery is at-least-once; the store's order_id uniqueness makes
// redelivered add_order requests harmless.
type FileQueue struct {
	path   string
	logger core.ILogger
}

// NewFileQueue creates a queue backed by path
func NewFileQueue(path string, logger core.ILogger) *FileQueue {
	return &FileQueue{
		path:   path,
		logger: logger.WithField("component", "request_queue"),
	}
}

func (q *FileQueue) readLocked() ([]*core.WatchRequest, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var requests []*core.WatchRequest
	if err := json.Unmarshal(data, &requests); err != nil {
		return nil, fmt.Errorf("failed to parse queue: %w", err)
	}
	return requests, nil
}

func (q *FileQueue) writeLocked(requests []*core.WatchRequest) error {
	if requests == nil {
		requests = []*core.WatchRequest{}
	}
	data, err := json.MarshalIndent(requests, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize queue: %w", err)
	}
	return fsatomic.WriteFile(q.path, data, 0o644)
}

// Enqueue appends one request under the queue lock
func (q *FileQueue) Enqueue(req *core.WatchRequest) error {
	lock, err := fsatomic.AcquireLock(q.path, fsatomic.DefaultLockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	requests, err := q.readLocked()
	if err != nil {
		// A corrupt queue must not block new registrations; the damaged
		// content is preserved aside for inspection.
		q.logger.Error("Queue unreadable on enqueue, resetting", "error", err)
		q.quarantineLocked()
		requests = nil
	}

	requests = append(requests, req)
	if err := q.writeLocked(requests); err != nil {
		return err
	}
	q.logger.Debug("Request enqueued", "action", req.Action, "depth", len(requests))
	return nil
}

// Drain returns all pending requests and truncates the queue to [] under
// one lock window. Once Drain returns, the requests belong to the caller.
func (q *FileQueue) Drain() ([]*core.WatchRequest, error) {
	lock, err := fsatomic.AcquireLock(q.path, fsatomic.DefaultLockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	requests, err := q.readLocked()
	if err != nil {
		q.logger.Error("Queue unreadable on drain, resetting", "error", err)
		q.quarantineLocked()
		if writeErr := q.writeLocked(nil); writeErr != nil {
			return nil, writeErr
		}
		return nil, err
	}
	if len(requests) == 0 {
		return nil, nil
	}

	if err := q.writeLocked(nil); err != nil {
		return nil, fmt.Errorf("failed to truncate queue: %w", err)
	}
	return requests, nil
}

// quarantineLocked moves aside an unparseable queue file
func (q *FileQueue) quarantineLocked() {
	if err := os.Rename(q.path, q.path+".corrupt"); err != nil && !os.IsNotExist(err) {
		q.logger.Error("Failed to quarantine corrupt queue file", "error", err)
	}
}
