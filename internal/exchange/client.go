package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"autopilot/internal/credentials"
)

const (
	headerAPIKey    = "X-AP-KEY"
	headerTimestamp = "X-AP-TS"
	headerSignature = "X-AP-SIGN"
)

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
}

// Client is the REST gateway. Reads retry on transport errors and 5xx;
// order placement never retries so a timeout cannot double-submit.
type Client struct {
	reads  *resty.Client
	writes *resty.Client
	creds  credentials.Credentials
	now    func() time.Time
}

var _ Gateway = (*Client)(nil)

func NewClient(opts Options, creds credentials.Credentials) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("exchange base url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	reads := resty.New().
		SetBaseURL(base).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
		})
	writes := resty.New().
		SetBaseURL(base).
		SetTimeout(opts.Timeout)
	return &Client{reads: reads, writes: writes, creds: creds, now: time.Now}, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	var out OrderResult
	if err := c.do(ctx, c.writes, http.MethodPost, "/api/v1/orders", req, &out); err != nil {
		return OrderResult{}, err
	}
	if out.OrderID == "" {
		return OrderResult{}, fmt.Errorf("%w: empty order id", ErrUnavailable)
	}
	return out, nil
}

func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.do(ctx, c.reads, http.MethodGet, "/api/v1/account/balance", nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

func (c *Client) OpenPositions(ctx context.Context) ([]Position, error) {
	var out struct {
		Positions []Position `json:"positions"`
	}
	if err := c.do(ctx, c.reads, http.MethodGet, "/api/v1/positions", nil, &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

func (c *Client) SetAllocation(ctx context.Context, strategyID string, fraction float64) error {
	body := map[string]any{"fraction": fraction}
	return c.do(ctx, c.reads, http.MethodPut, "/api/v1/allocations/"+url.PathEscape(strategyID), body, nil)
}

func (c *Client) do(ctx context.Context, hc *resty.Client, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = raw
	}
	r := hc.R().SetContext(ctx).SetHeader("Accept", "application/json")
	if payload != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	c.sign(r, method, path, payload)

	resp, err := r.Execute(method, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	status := resp.StatusCode()
	switch {
	case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, status)
	case status >= http.StatusBadRequest:
		rej := &RejectionError{Status: status}
		if err := json.Unmarshal(resp.Body(), rej); err != nil || rej.Reason == "" {
			rej.Reason = strings.TrimSpace(resp.String())
		}
		return rej
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) sign(r *resty.Request, method, path string, payload []byte) {
	if !c.creds.Valid() {
		return
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(ts + strings.ToUpper(method) + path))
	mac.Write(payload)
	r.SetHeader(headerAPIKey, c.creds.APIKey)
	r.SetHeader(headerTimestamp, ts)
	r.SetHeader(headerSignature, hex.EncodeToString(mac.Sum(nil)))
}
