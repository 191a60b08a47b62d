// Package alert fans operator notifications out to the configured channels.
// Delivery is asynchronous and best-effort; the trading path never blocks on
// a webhook.
package alert

import (
	"context"
	"strings"
	"sync"
	"time"

	"exec_gateway/internal/config"
	"exec_gateway/internal/core"
	"exec_gateway/pkg/retry"
)

// sendPolicy bounds delivery retries per channel; alerts are best-effort
var sendPolicy = retry.RetryPolicy{
	MaxAttempts:    2,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

// ParseLevel normalizes a severity string; unknown values map to INFO
func ParseLevel(severity string) AlertLevel {
	switch AlertLevel(strings.ToUpper(severity)) {
	case Warning:
		return Warning
	case Error:
		return Error
	case Critical:
		return Critical
	default:
		return Info
	}
}

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager implements core.IAlertSink over a set of channels
type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// NewManagerFromConfig wires the channels the config enables. A disabled or
// empty config yields a manager that only logs.
func NewManagerFromConfig(cfg config.AlertsConfig, logger core.ILogger) *AlertManager {
	am := NewAlertManager(logger)
	if !cfg.Enabled {
		return am
	}
	if cfg.SlackWebhookURL != "" {
		am.AddChannel(NewSlackChannel(string(cfg.SlackWebhookURL)))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		am.AddChannel(NewTelegramChannel(string(cfg.TelegramBotToken), cfg.TelegramChatID))
	}
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert dispatches to every channel without waiting; failures only log
func (am *AlertManager) Alert(ctx context.Context, title, message string, severity string, fields map[string]string) {
	payload := AlertPayload{
		Level:     ParseLevel(severity),
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", string(payload.Level))

	am.mu.RLock()
	defer am.mu.RUnlock()

	for _, ch := range am.channels {
		go func(c AlertChannel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			err := retry.Do(timeoutCtx, sendPolicy, func(error) bool { return true }, func() error {
				return c.Send(timeoutCtx, payload)
			})
			if err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
