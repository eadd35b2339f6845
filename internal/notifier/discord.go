package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Severity selects the embed color of a notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// Discord embed colors: green, yellow, red.
const (
	colorInfo    = 3066993
	colorWarning = 16776960
	colorError   = 15158332
)

const (
	maxAttempts       = 3
	defaultRetryDelay = 2 * time.Second
)

func (s Severity) color() int {
	switch s {
	case SeverityWarning:
		return colorWarning
	case SeverityError:
		return colorError
	default:
		return colorInfo
	}
}

// Discord delivers notifications to a webhook as colored embeds. Delivery
// is fire-and-forget: sends run in their own goroutine, failures are
// retried with a linear backoff and then dropped with a log line. A
// notifier with an empty webhook URL silently discards everything, so
// callers never branch on whether notifications are configured.
type Discord struct {
	webhookURL string
	username   string
	client     *http.Client
	retryDelay time.Duration
	logger     *zap.SugaredLogger
}

// NewDiscord creates a notifier for the given webhook URL. An empty URL
// yields a disabled notifier.
func NewDiscord(webhookURL string, logger *zap.SugaredLogger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		username:   "bit-moon",
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: defaultRetryDelay,
		logger:     logger,
	}
}

// Enabled reports whether a webhook URL is configured.
func (d *Discord) Enabled() bool {
	return d.webhookURL != ""
}

type webhookPayload struct {
	Username string  `json:"username"`
	Embeds   []embed `json:"embeds"`
}

type embed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

// Notify queues one notification for delivery and returns immediately.
func (d *Discord) Notify(severity Severity, title, message string) {
	if !d.Enabled() {
		return
	}

	payload := webhookPayload{
		Username: d.username,
		Embeds: []embed{{
			Title:       title,
			Description: message,
			Color:       severity.color(),
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Warnf("failed to encode notification: %v", err)
		return
	}

	go d.send(body)
}

// send posts the payload, retrying transient failures. All failures end in
// a log line; notification delivery must never affect trading.
func (d *Discord) send(body []byte) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = d.post(body)
		if lastErr == nil {
			return
		}
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt) * d.retryDelay)
		}
	}
	d.logger.Warnf("dropping notification after %d attempts: %v", maxAttempts, lastErr)
}

func (d *Discord) post(body []byte) error {
	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
