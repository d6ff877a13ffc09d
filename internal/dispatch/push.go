package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPNotifier delivers pushes through an FCM-style HTTP gateway. The
// gateway owns platform specifics (APNs vs FCM); we post one JSON message
// per notification and never wait on delivery receipts.
type HTTPNotifier struct {
	client     *http.Client
	gatewayURL string
	apiKey     string
}

func NewHTTPNotifier(gatewayURL, apiKey string) *HTTPNotifier {
	return &HTTPNotifier{
		client:     &http.Client{Timeout: 5 * time.Second},
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
	}
}

type pushMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Category string            `json:"category,omitempty"`
}

func (n *HTTPNotifier) Send(ctx context.Context, token, title, body string, data map[string]string, category string) error {
	payload, err := json.Marshal(pushMessage{
		To:       token,
		Title:    title,
		Body:     body,
		Data:     data,
		Category: category,
	})
	if err != nil {
		return fmt.Errorf("push marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.gatewayURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "key="+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("push delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}
	return nil
}

var _ Notifier = (*HTTPNotifier)(nil)
