package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"argus/core"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// NotificationType represents the type of notification channel
type NotificationType string

const (
	// NotificationWebhook posts a generic JSON document
	NotificationWebhook NotificationType = "webhook"
	// NotificationSlack posts a Slack incoming-webhook message
	NotificationSlack NotificationType = "slack"
)

const (
	defaultTimeout     = 10 * time.Second
	breakerMaxFailures = 3
	breakerOpenTimeout = 60 * time.Second
)

// NotificationConfig holds configuration for one notification channel
type NotificationConfig struct {
	Enabled bool              `mapstructure:"enabled" json:"enabled"`
	Type    NotificationType  `mapstructure:"type" json:"type"`
	URL     string            `mapstructure:"url" json:"url"`
	Method  string            `mapstructure:"method" json:"method"`
	Headers map[string]string `mapstructure:"headers" json:"headers"`

	// MinSeverity drops alerts below this level (critical, high, medium, low, info)
	MinSeverity string `mapstructure:"min_severity" json:"min_severity"`
}

// Payload is the body posted to generic webhooks
type Payload struct {
	Level     core.Severity `json:"level"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
	Source    string        `json:"source"`
}

// Notifier delivers response alerts to webhook channels. It implements
// soar.Alerter.
type Notifier struct {
	configs []NotificationConfig
	client  *http.Client
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewNotifier creates a new notifier instance
func NewNotifier(configs []NotificationConfig, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{
		configs: configs,
		client: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Channels returns the number of enabled channels
func (n *Notifier) Channels() int {
	count := 0
	for _, c := range n.configs {
		if c.Enabled {
			count++
		}
	}
	return count
}

// breaker gets or creates the circuit breaker for a channel
func (n *Notifier) breaker(key string) *gobreaker.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()

	if cb, ok := n.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Warnw("Notification circuit breaker state change", "channel", name, "from", from.String(), "to", to.String())
		},
	})
	n.breakers[key] = cb
	n.logger.Infof("Created circuit breaker for notification channel: %s", key)
	return cb
}

// Alert sends the message to every enabled channel whose minimum severity it meets.
// Channel failures are joined into the returned error.
func (n *Notifier) Alert(ctx context.Context, level core.Severity, message string) error {
	var errs []error
	for _, config := range n.configs {
		if !config.Enabled || !meetsSeverity(level, config.MinSeverity) {
			continue
		}

		key := fmt.Sprintf("%s:%s", config.Type, config.URL)
		_, err := n.breaker(key).Execute(func() (interface{}, error) {
			return nil, n.send(ctx, config, level, message)
		})
		if err != nil {
			n.logger.Errorw("Failed to send notification", "channel", key, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		n.logger.Debugw("Sent notification", "channel", key, "level", level)
	}
	return errors.Join(errs...)
}

func meetsSeverity(level core.Severity, min string) bool {
	if min == "" {
		return true
	}
	return level.Rank() >= core.ParseSeverity(min).Rank()
}

func (n *Notifier) send(ctx context.Context, config NotificationConfig, level core.Severity, message string) error {
	var body interface{}
	switch config.Type {
	case NotificationSlack:
		body = slackPayload(level, message, n.now())
	case NotificationWebhook, "":
		body = Payload{Level: level, Message: message, Timestamp: n.now(), Source: "argus"}
	default:
		return fmt.Errorf("unsupported notification type %q", config.Type)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	method := config.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, config.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Argus/1.0")
	for k, v := range config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			n.logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

var severityColor = map[core.Severity]string{
	core.SeverityCritical: "#d32f2f",
	core.SeverityHigh:     "#f44336",
	core.SeverityMedium:   "#ff9800",
	core.SeverityLow:      "#2196f3",
}

func slackPayload(level core.Severity, message string, at time.Time) map[string]interface{} {
	color := severityColor[level]
	if color == "" {
		color = "#757575"
	}
	return map[string]interface{}{
		"text": fmt.Sprintf("*%s severity alert*", level),
		"attachments": []map[string]interface{}{
			{
				"color":  color,
				"text":   message,
				"footer": "Argus",
				"ts":     at.Unix(),
			},
		},
	}
}
