package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Webhook POSTs rendered events as JSON to a configured URL.
type Webhook struct {
	client *resty.Client
	url    string
}

type webhookPayload struct {
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	At      time.Time `json:"at"`
}

// NewWebhook builds a webhook notifier. Transient failures are retried by
// the client; a still-failing delivery is logged and dropped by the manager.
func NewWebhook(url string) *Webhook {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Webhook{client: client, url: url}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, subject, body string) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(webhookPayload{Subject: subject, Body: body, At: time.Now().UTC()}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook post: status %d", resp.StatusCode())
	}
	return nil
}
