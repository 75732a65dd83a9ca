// Package notify delivers operator-facing alerts and completion notices.
// All implementations are fire-and-forget: delivery failure is logged,
// never returned.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flagramp/flagramp/internal/logging"
)

// Log writes notifications to the process log.
type Log struct{}

func (Log) Alert(ctx context.Context, msg string)      { logging.Errorf("ALERT: %s", msg) }
func (Log) Completion(ctx context.Context, msg string) { logging.Infof("COMPLETED: %s", msg) }

// Webhook POSTs notifications to an operator-configured endpoint
// (chat hook, pager bridge).
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type webhookPayload struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (w *Webhook) Alert(ctx context.Context, msg string)      { w.post(ctx, "alert", msg) }
func (w *Webhook) Completion(ctx context.Context, msg string) { w.post(ctx, "completion", msg) }

func (w *Webhook) post(ctx context.Context, kind, msg string) {
	body, err := json.Marshal(webhookPayload{Kind: kind, Message: msg, At: time.Now().UTC()})
	if err != nil {
		logging.Errorf("notify: marshal payload: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		logging.Errorf("notify: build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		logging.Errorf("notify: deliver %s: %v", kind, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.Errorf("notify: webhook returned %s", resp.Status)
	}
}

// Multi fans notifications out to several notifiers.
type Multi []interface {
	Alert(ctx context.Context, msg string)
	Completion(ctx context.Context, msg string)
}

func (m Multi) Alert(ctx context.Context, msg string) {
	for _, n := range m {
		n.Alert(ctx, msg)
	}
}

func (m Multi) Completion(ctx context.Context, msg string) {
	for _, n := range m {
		n.Completion(ctx, msg)
	}
}
