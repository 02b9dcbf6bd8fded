package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookPublisher posts each event as JSON to a notification gateway, e.g. a
// push-provider bridge for drivers without an open socket.
type WebhookPublisher struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookPublisher(endpoint string) *WebhookPublisher {
	return &WebhookPublisher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *WebhookPublisher) Publish(ctx context.Context, channel, eventType string, payload any) error {
	b, err := json.Marshal(NewEnvelope(channel, eventType, payload))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %s", p.Endpoint, resp.Status)
	}
	return nil
}
