package mock

import (
	"context"
	"sync"

	"futures_orchestrator/internal/core"
)

// Notification is one recorded Notify call
type Notification struct {
	Title   string
	Message string
	Level   core.AlertLevel
	Fields  map[string]string
}

// Notifier records notifications for assertions
type Notifier struct {
	mu   sync.Mutex
	sent []Notification
}

// NewNotifier creates an empty recording notifier
func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Notify(ctx context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{Title: title, Message: message, Level: level, Fields: fields})
}

// Sent returns a copy of all recorded notifications
func (n *Notifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

// HasTitle reports whether any notification carries the given title
func (n *Notifier) HasTitle(title string) bool {
	for _, s := range n.Sent() {
		if s.Title == title {
			return true
		}
	}
	return false
}

// Queue is an in-memory core.IRequestQueue with failure injection
type Queue struct {
	mu       sync.Mutex
	requests []*core.WatchRequest

	EnqueueErr error
	DrainErr   error
}

// NewQueue creates an empty in-memory queue
func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(req *core.WatchRequest) error {
	if q.EnqueueErr != nil {
		return q.EnqueueErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	return nil
}

func (q *Queue) Drain() ([]*core.WatchRequest, error) {
	if q.DrainErr != nil {
		return nil, q.DrainErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.requests
	q.requests = nil
	return out, nil
}

// Depth returns the pending request count
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}
