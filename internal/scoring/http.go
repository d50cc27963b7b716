package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"autopilot/internal/models"
)

// HTTPClient calls a remote scoring service for both backtests and signals.
type HTTPClient struct {
	client *resty.Client
}

var (
	_ Scorer   = (*HTTPClient)(nil)
	_ Signaler = (*HTTPClient)(nil)
)

func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("scoring base url is required")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}, nil
}

func (c *HTTPClient) Evaluate(ctx context.Context, req BacktestRequest) (models.Performance, error) {
	if req.WindowDays == 0 && req.Window > 0 {
		req.WindowDays = int(req.Window / (24 * time.Hour))
	}
	var out models.Performance
	if err := c.post(ctx, "/v1/backtests", req, &out); err != nil {
		return models.Performance{}, err
	}
	return out, nil
}

func (c *HTTPClient) Signal(ctx context.Context, req SignalRequest) (Signal, error) {
	var out Signal
	if err := c.post(ctx, "/v1/signals", req, &out); err != nil {
		return Signal{}, err
	}
	if out.Action == "" {
		out.Action = ActionHold
	}
	return out, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any, out any) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	status := resp.StatusCode()
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s status %d", ErrUnavailable, path, status)
	}
	if status >= http.StatusBadRequest {
		return fmt.Errorf("scoring %s: status %d: %s", path, status, strings.TrimSpace(resp.String()))
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("scoring %s: decode: %w", path, err)
	}
	return nil
}
