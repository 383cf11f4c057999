// ABOUTME: WebhookSink posts relay events as JSON to a single URL
// ABOUTME: Any non-2xx answer is reported as an error

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSink delivers events with an HTTP POST.
type WebhookSink struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewWebhookSink creates a sink posting to url. A non-positive timeout
// defaults to ten seconds.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:     url,
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Deliver posts one event.
func (w *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", ev.EventID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
