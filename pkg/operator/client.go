package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds one backend round trip.
const DefaultTimeout = 30 * time.Second

// HTTPClient talks to a remote operator backend over JSON. One POST per turn;
// the backend answers with a decision document.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a client for the backend at baseURL. A non-positive
// timeout falls back to DefaultTimeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  slog.Default().With("component", "operator-client"),
	}
}

// HandleInbound implements Backend.
func (c *HTTPClient) HandleInbound(ctx context.Context, turn Turn) (*Decision, error) {
	body, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("encoding operator turn: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/turns", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building operator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("operator backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("operator backend returned status %d: %s", resp.StatusCode, string(payload))
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, fmt.Errorf("decoding operator decision: %w", err)
	}
	switch decision.Kind {
	case DecisionResponse, DecisionCommand, DecisionReject:
	default:
		return nil, fmt.Errorf("operator backend returned unknown decision kind %q", decision.Kind)
	}
	return &decision, nil
}
