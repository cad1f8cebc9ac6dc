// Package notify delivers best-effort user notifications: every event goes
// to the user's log channel on the bus, and optionally to an external
// webhook. Delivery failures are logged and swallowed; notifications never
// affect trading decisions.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"

	"axon/src/bus"
)

type Notifier struct {
	conn   bus.Conn
	config Config
	http   *resty.Client
}

func New(conn bus.Conn) *Notifier {
	config := GetConfig()

	n := &Notifier{conn: conn, config: config}
	if config.WebhookURL != "" {
		n.http = resty.New().
			SetTimeout(config.WebhookTimeout).
			SetRetryCount(1)
	}
	return n
}

// Event publishes a structured event on the user's log channel.
func (n *Notifier) Event(ctx context.Context, uid, level, message string, fields map[string]interface{}) {
	event := map[string]interface{}{
		"type":      "log",
		"level":     level,
		"message":   message,
		"timestamp": time.Now().Unix(),
	}
	for k, v := range fields {
		event[k] = v
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := n.conn.Publish(ctx, bus.LogsChannel(uid), string(payload)); err != nil {
		logger.WithError(err).WithField("uid", uid).Debug("[notify] failed to publish event")
	}

	n.postWebhook(ctx, uid, payload)
}

// Info / Warn / Error are shorthands for the common levels.
func (n *Notifier) Info(ctx context.Context, uid, message string, fields map[string]interface{}) {
	n.Event(ctx, uid, "info", message, fields)
}

func (n *Notifier) Warn(ctx context.Context, uid, message string, fields map[string]interface{}) {
	n.Event(ctx, uid, "warning", message, fields)
}

func (n *Notifier) Error(ctx context.Context, uid, message string, fields map[string]interface{}) {
	n.Event(ctx, uid, "error", message, fields)
}

func (n *Notifier) postWebhook(ctx context.Context, uid string, payload []byte) {
	if n.http == nil {
		return
	}

	resp, err := n.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-User-Id", uid).
		SetBody(payload).
		Post(n.config.WebhookURL)
	if err != nil {
		logger.WithError(err).Debug("[notify] webhook delivery failed")
		return
	}
	if resp.IsError() {
		logger.WithField("status", resp.StatusCode()).Debug("[notify] webhook rejected event")
	}
}
