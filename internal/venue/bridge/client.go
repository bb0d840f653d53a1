// Package bridge implements venue.Venue over the broker bridge REST/WS API.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pairtrade-core/internal/venue"
)

// Config configures the bridge client.
type Config struct {
	BaseURL    string
	StreamURL  string // defaults to BaseURL with ws scheme and /api/v1/stream
	Timeout    time.Duration
	RateLimit  float64 // requests per second across all REST calls
	TickMaxAge time.Duration
}

// Client talks to the broker bridge. REST calls are rate limited; ticks are
// served from the stream cache when fresh enough.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	stream     *tickStream
}

// New builds a bridge client and starts its tick stream.
func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 50
	}
	maxAge := cfg.TickMaxAge
	if maxAge <= 0 {
		maxAge = 500 * time.Millisecond
	}
	streamURL := cfg.StreamURL
	if streamURL == "" {
		streamURL = deriveStreamURL(base)
	}
	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)),
		stream:     newTickStream(streamURL, maxAge),
	}
	c.stream.start()
	return c
}

// Close stops the tick stream.
func (c *Client) Close() {
	c.stream.stop()
}

func deriveStreamURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/stream"
	return u.String()
}

type tickResponse struct {
	Symbol string  `json:"symbol"`
	Ask    float64 `json:"ask"`
	Bid    float64 `json:"bid"`
	Time   int64   `json:"time"`
}

type positionResponse struct {
	Ticket int64   `json:"ticket"`
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Lot    float64 `json:"lot"`
	Entry  float64 `json:"entry_price"`
}

type orderResponse struct {
	Ticket int64  `json:"ticket"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type symbolResponse struct {
	Symbol          string  `json:"symbol"`
	MinStopDistance float64 `json:"min_stop_distance"`
	Digits          int     `json:"digits"`
}

// Tick returns the current quote, preferring the stream cache over REST.
func (c *Client) Tick(ctx context.Context, symbol string) (venue.Tick, error) {
	if t, ok := c.stream.cached(symbol); ok {
		return t, nil
	}

	var resp tickResponse
	params := url.Values{}
	params.Set("symbol", symbol)
	if err := c.get(ctx, "/api/v1/tick?"+params.Encode(), &resp); err != nil {
		return venue.Tick{}, err
	}
	if resp.Ask <= 0 || resp.Bid <= 0 {
		return venue.Tick{}, venue.ErrNoTick
	}
	return venue.Tick{Ask: resp.Ask, Bid: resp.Bid}, nil
}

// PlaceMarketOrder sends a market order with attached TP/SL.
func (c *Client) PlaceMarketOrder(ctx context.Context, req venue.OrderRequest) (int64, error) {
	body := struct {
		ClientID   string  `json:"client_id"`
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		Lot        float64 `json:"lot"`
		TakeProfit float64 `json:"take_profit,omitempty"`
		StopLoss   float64 `json:"stop_loss,omitempty"`
		Comment    string  `json:"comment,omitempty"`
	}{
		ClientID:   uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       req.Direction.String(),
		Lot:        req.Lot,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
		Comment:    req.Tag,
	}

	var resp orderResponse
	if err := c.post(ctx, "/api/v1/orders", body, &resp); err != nil {
		return 0, err
	}
	if resp.Status != "filled" || resp.Ticket == 0 {
		return 0, fmt.Errorf("%w: %s", venue.ErrOrderRejected, resp.Reason)
	}
	return resp.Ticket, nil
}

// ClosePosition closes an open position by ticket.
func (c *Client) ClosePosition(ctx context.Context, ticket int64) error {
	var resp orderResponse
	path := fmt.Sprintf("/api/v1/positions/%d/close", ticket)
	if err := c.post(ctx, path, nil, &resp); err != nil {
		return err
	}
	if resp.Status != "closed" {
		return fmt.Errorf("%w: %s", venue.ErrCloseRejected, resp.Reason)
	}
	return nil
}

// OpenPositions lists open positions for one symbol.
func (c *Client) OpenPositions(ctx context.Context, symbol string) ([]venue.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	return c.fetchPositions(ctx, "/api/v1/positions?"+params.Encode())
}

// AllOpenPositions lists every open position on the account.
func (c *Client) AllOpenPositions(ctx context.Context) ([]venue.Position, error) {
	return c.fetchPositions(ctx, "/api/v1/positions")
}

func (c *Client) fetchPositions(ctx context.Context, path string) ([]venue.Position, error) {
	var raw []positionResponse
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}
	positions := make([]venue.Position, 0, len(raw))
	for _, p := range raw {
		dir := venue.Buy
		if strings.EqualFold(p.Side, "sell") {
			dir = venue.Sell
		}
		positions = append(positions, venue.Position{
			Ticket:     p.Ticket,
			Symbol:     p.Symbol,
			Direction:  dir,
			Lot:        p.Lot,
			EntryPrice: p.Entry,
		})
	}
	return positions, nil
}

// MinStopDistance returns the smallest TP/SL distance the broker accepts.
func (c *Client) MinStopDistance(ctx context.Context, symbol string) (float64, error) {
	var resp symbolResponse
	if err := c.get(ctx, "/api/v1/symbols/"+url.PathEscape(symbol), &resp); err != nil {
		return 0, err
	}
	return resp.MinStopDistance, nil
}

// Healthy reports whether the bridge answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/api/v1/health", &resp); err != nil {
		return false
	}
	return resp.Status == "ok"
}

// Reconnect re-dials the tick stream and re-checks bridge health.
func (c *Client) Reconnect(ctx context.Context) error {
	c.stream.redial()
	if !c.Healthy(ctx) {
		return venue.ErrNotConnected
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return venue.ErrUnknownTicket
	case http.StatusBadRequest:
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&apiErr)
		if strings.Contains(apiErr.Error, "symbol") {
			return fmt.Errorf("%w: %s", venue.ErrUnknownSymbol, apiErr.Error)
		}
		return fmt.Errorf("bridge: %s", apiErr.Error)
	case http.StatusServiceUnavailable:
		return venue.ErrNotConnected
	default:
		return fmt.Errorf("bridge: status %d on %s", res.StatusCode, req.URL.Path)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
