package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Webhook forwards the conversation to an external automation flow
// (n8n, Typebot, custom HTTP handlers) and relays whatever it answers.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

type webhookResponse struct {
	Reply     string     `json:"reply"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// NewWebhook creates the webhook provider.
func NewWebhook(cfg Config, logger *slog.Logger) (*Webhook, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.New("webhook URL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Webhook{
		url: cfg.WebhookURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

// Name returns the provider name.
func (w *Webhook) Name() string { return ProviderWebhook }

// Respond posts the request and decodes the flow's answer. A 204 or an
// empty reply with no tool results means the flow chose to stay silent.
func (w *Webhook) Respond(ctx context.Context, req *Request) (*Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding webhook request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &Reply{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, data)
	}

	var decoded webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding webhook response: %w", err)
	}

	return &Reply{Text: decoded.Reply, ToolCalls: decoded.ToolCalls}, nil
}
