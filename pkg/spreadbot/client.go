// Package spreadbot is a Go SDK for the spread-trader operator API.
package spreadbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides a Go SDK for interacting with the spread-trader API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// tradeClient has no overall timeout. A trade blocks until both legs
	// settle, which the server bounds, so only the caller's ctx limits it.
	tradeClient *http.Client
}

// NewClient creates a new spread-trader API client.
func NewClient(baseURL string) *Client {
	return (&Client{baseURL: strings.TrimRight(baseURL, "/")}).
		WithHTTPClient(&http.Client{Timeout: 30 * time.Second})
}

// WithHTTPClient replaces the underlying HTTP client. ExecuteTrade uses a
// copy of hc without its Timeout.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	tc := *hc
	tc.Timeout = 0
	c.httpClient = hc
	c.tradeClient = &tc
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spreadbot api: %d: %s", e.StatusCode, e.Message)
}

// Health retrieves the liveness status.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out)
	return out, err
}

// Positions retrieves tracked positions, or only open ones.
func (c *Client) Positions(ctx context.Context, openOnly bool) ([]Position, error) {
	q := url.Values{}
	if openOnly {
		q.Set("open", "true")
	}
	var out []Position
	err := c.do(ctx, http.MethodGet, "/api/v1/positions", q, nil, &out)
	return out, err
}

// PnL retrieves the realized, unrealized and daily PnL.
func (c *Client) PnL(ctx context.Context) (PnLResponse, error) {
	var out PnLResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/pnl", nil, nil, &out)
	return out, err
}

// Orders retrieves managed orders, optionally filtered by ticker and to
// active orders only.
func (c *Client) Orders(ctx context.Context, ticker string, activeOnly bool) ([]Order, error) {
	q := url.Values{}
	if ticker != "" {
		q.Set("ticker", ticker)
	}
	if activeOnly {
		q.Set("active", "true")
	}
	var out []Order
	err := c.do(ctx, http.MethodGet, "/api/v1/orders", q, nil, &out)
	return out, err
}

// Risk retrieves the halt state and limits in effect.
func (c *Client) Risk(ctx context.Context) (RiskResponse, error) {
	var out RiskResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/risk", nil, nil, &out)
	return out, err
}

// StopLosses retrieves positions currently past their stop-loss.
func (c *Client) StopLosses(ctx context.Context) ([]StopSignal, error) {
	var out []StopSignal
	err := c.do(ctx, http.MethodGet, "/api/v1/stop-losses", nil, nil, &out)
	return out, err
}

// Trades retrieves up to limit journaled trades, newest first.
func (c *Client) Trades(ctx context.Context, limit int) ([]TradeResult, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []TradeResult
	err := c.do(ctx, http.MethodGet, "/api/v1/trades", q, nil, &out)
	return out, err
}

// ExecuteTrade runs one spread round trip and returns its result. Risk
// rejections come back as an unsuccessful TradeResult, not an error. The
// call is not subject to the client timeout; bound it with ctx. The server
// finishes the trade even if ctx ends first.
func (c *Client) ExecuteTrade(ctx context.Context, opp Opportunity) (TradeResult, error) {
	var out TradeResult
	err := c.send(ctx, c.tradeClient, http.MethodPost, "/api/v1/trades", nil, opp, &out)
	return out, err
}

// CancelAll cancels active orders for ticker, or every ticker when empty.
func (c *Client) CancelAll(ctx context.Context, ticker string) (int, error) {
	q := url.Values{}
	if ticker != "" {
		q.Set("ticker", ticker)
	}
	var out CancelResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/cancel", q, nil, &out)
	return out.Cancelled, err
}

// Sync reconciles positions with the exchange.
func (c *Client) Sync(ctx context.Context) (SyncResponse, error) {
	var out SyncResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/sync", nil, nil, &out)
	return out, err
}

// Mark sets the current price of a tracked position.
func (c *Client) Mark(ctx context.Context, ticker string, price int64) error {
	return c.do(ctx, http.MethodPost, "/api/v1/marks", nil, MarkRequest{Ticker: ticker, Price: price}, nil)
}

// Halt stops new entries.
func (c *Client) Halt(ctx context.Context, reason string) (RiskResponse, error) {
	var out RiskResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/halt", nil, HaltRequest{Reason: reason}, &out)
	return out, err
}

// Resume clears a manual halt. A daily loss halt is reported as an
// APIError with status 409.
func (c *Client) Resume(ctx context.Context) (RiskResponse, error) {
	var out RiskResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/resume", nil, nil, &out)
	return out, err
}

// ResetDaily clears the daily PnL and any halt.
func (c *Client) ResetDaily(ctx context.Context) (RiskResponse, error) {
	var out RiskResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/reset-daily", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	return c.send(ctx, c.httpClient, method, path, query, body, out)
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
