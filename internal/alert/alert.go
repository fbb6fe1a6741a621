// Package alert implements the notifier capability: best-effort human
// notification fanned out over one or more channels. Channel failures are
// logged and never block a trading decision.
package alert

import (
	"context"
	"sync"
	"time"

	"futures_orchestrator/internal/core"
	"futures_orchestrator/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Payload is one notification
type Payload struct {
	Level     core.AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel is one delivery transport
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans notifications out to all registered channels.
// It implements core.INotifier.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
}

// NewManager creates an empty alert manager
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a delivery channel
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Notify sends the alert asynchronously on every channel. Delivery is
// best-effort; the caller never waits.
func (m *Manager) Notify(ctx context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("Triggering alert", "title", title, "level", level)
	telemetry.GetGlobalMetrics().NotifierSendsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", string(level)),
	))

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
