// Package executor is the engine's client for the delivery backend. The
// backend does the actual play delivery through the assigned proxy; the
// engine only sends work and interprets results.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/playforge/playforge/engine/logging"
)

// Client sends one task's delivery to the execution backend.
type Client interface {
	Deliver(ctx context.Context, req Request) (*Response, error)
}

// ProxyInfo is the routing decision forwarded to the backend.
type ProxyInfo struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint"`
	Auth     string `json:"auth,omitempty"`
}

// Request asks the backend to deliver one task's quantity to the target.
type Request struct {
	TaskID    string    `json:"task_id"`
	OrderID   string    `json:"order_id"`
	Quantity  int       `json:"quantity"`
	TargetURL string    `json:"target_url"`
	Proxy     ProxyInfo `json:"proxy"`
}

// Response reports the outcome. Success false with ErrorCode 403 or 429
// means the proxy was banned or rate limited by the platform.
type Response struct {
	Success        bool   `json:"success"`
	PlaysDelivered int    `json:"plays_delivered"`
	ErrorCode      int    `json:"error_code,omitempty"`
	Message        string `json:"message,omitempty"`
	LatencyMs      int64  `json:"latency_ms"`
}

// HTTPClient talks to a backend exposing POST /deliver.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPClient builds a client for the backend at baseURL. The timeout
// bounds the whole request including the backend's delivery work.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     logging.WithComponent("executor"),
	}
}

func (c *HTTPClient) Deliver(ctx context.Context, req Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal delivery request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/deliver", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("build delivery request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("contact executor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("executor returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode executor response: %w", err)
	}
	return &out, nil
}
