package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"autopilot/internal/marketdata"
	"autopilot/internal/models"
)

// ErrUnavailable means generation is skipped for this cycle.
var ErrUnavailable = errors.New("generator unavailable")

// MarketContext is the snapshot handed to the generator.
type MarketContext struct {
	SessionID   string            `json:"session_id"`
	Instruments []string          `json:"instruments"`
	Timeframes  []string          `json:"timeframes"`
	Latest      []marketdata.Tick `json:"latest,omitempty"`
	// Existing lists non-retired strategy names so the generator can avoid duplicates.
	Existing []string `json:"existing,omitempty"`
}

// Definition is one generated strategy.
type Definition struct {
	Name        string                     `json:"name"`
	Kind        string                     `json:"type"`
	Instrument  string                     `json:"instrument"`
	Timeframe   string                     `json:"timeframe"`
	Indicators  json.RawMessage            `json:"indicators,omitempty"`
	Logic       string                     `json:"executable_logic"`
	Description string                     `json:"description"`
	Components  []models.StrategyComponent `json:"components,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, mc MarketContext) (Definition, error)
}

type Func func(ctx context.Context, mc MarketContext) (Definition, error)

func (f Func) Generate(ctx context.Context, mc MarketContext) (Definition, error) {
	return f(ctx, mc)
}

// HTTPClient calls a remote content generator.
type HTTPClient struct {
	client *resty.Client
}

var _ Generator = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("generator base url is required")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTPClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(1).
			SetHeader("Accept", "application/json"),
	}, nil
}

func (c *HTTPClient) Generate(ctx context.Context, mc MarketContext) (Definition, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(mc).
		Post("/v1/strategies/generate")
	if err != nil {
		if ctx.Err() != nil {
			return Definition{}, ctx.Err()
		}
		return Definition{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return Definition{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	var def Definition
	if err := json.Unmarshal(resp.Body(), &def); err != nil {
		return Definition{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return def, nil
}

// Validate rejects definitions the lifecycle cannot track.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("definition name is empty")
	}
	if strings.TrimSpace(d.Instrument) == "" {
		return errors.New("definition instrument is empty")
	}
	switch d.Kind {
	case "", models.KindSingle:
	case models.KindCombination:
		if len(d.Components) == 0 {
			return errors.New("combination without components")
		}
	default:
		return fmt.Errorf("unknown strategy kind %q", d.Kind)
	}
	return nil
}
