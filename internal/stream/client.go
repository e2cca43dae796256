package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"spreadbot/internal/domain"
	"spreadbot/internal/metrics"
	"spreadbot/internal/util"
)

// Channel names understood by the exchange.
const (
	ChannelFill        = "fill"
	ChannelOrderUpdate = "order_update"
	ChannelTicker      = "ticker"
)

// ErrNotConnected is returned when a command is sent without a connection.
var ErrNotConnected = errors.New("stream: not connected")

// ErrClosed is returned when a dial completes after Disconnect.
var ErrClosed = errors.New("stream: client closed")

// Config configures a Client.
type Config struct {
	URL string

	// Header returns the handshake headers for each dial, so that
	// time-based signatures are fresh on reconnect. May be nil.
	Header func() (http.Header, error)

	ReconnectInitial time.Duration // default 1s
	ReconnectMax     time.Duration // default 60s
	MaxReconnects    int           // 0 = retry forever
	PingInterval     time.Duration // default 30s
	Dialer           *websocket.Dialer
}

// Client is a websocket client for the exchange's push notifications. It
// decodes order_update and fill frames into Events, publishes them on its
// Hub, and on connection loss reconnects with capped exponential backoff and
// replays all tracked subscriptions. Delivery is best-effort.
type Client struct {
	*Hub

	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	connMu sync.Mutex // guards conn and serialises writes
	conn   *websocket.Conn

	subsMu sync.Mutex
	subs   map[string]map[string]struct{} // channel -> tickers

	cmdID   atomic.Int64
	closing atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient creates a disconnected Client.
func NewClient(cfg Config, log *slog.Logger, m *metrics.Metrics) *Client {
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	log = util.OrDefault(log)
	return &Client{
		Hub:     NewHub(log),
		cfg:     cfg,
		log:     log,
		metrics: m,
		subs:    make(map[string]map[string]struct{}),
	}
}

// Connect dials the server and starts the receive loop. The loop runs until
// Disconnect is called, ctx is cancelled, or reconnection gives up.
func (c *Client) Connect(ctx context.Context) error {
	c.closing.Store(false)
	if err := c.dial(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.receiveLoop(ctx)
	go c.pingLoop(ctx)
	return nil
}

// Disconnect closes the connection and stops the receive loop.
func (c *Client) Disconnect() error {
	c.closing.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	if c.done != nil {
		<-c.done
	}
	c.log.Info("stream disconnected")
	return nil
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Subscribe subscribes to channel for tickers. The subscription is tracked
// and replayed after every reconnect.
func (c *Client) Subscribe(channel string, tickers []string) error {
	c.subsMu.Lock()
	set, ok := c.subs[channel]
	if !ok {
		set = make(map[string]struct{})
		c.subs[channel] = set
	}
	for _, t := range tickers {
		set[t] = struct{}{}
	}
	c.subsMu.Unlock()

	return c.sendSubscription("subscribe", channel, tickers)
}

// Unsubscribe removes tickers from channel.
func (c *Client) Unsubscribe(channel string, tickers []string) error {
	c.subsMu.Lock()
	if set, ok := c.subs[channel]; ok {
		for _, t := range tickers {
			delete(set, t)
		}
		if len(set) == 0 {
			delete(c.subs, channel)
		}
	}
	c.subsMu.Unlock()

	return c.sendSubscription("unsubscribe", channel, tickers)
}

type command struct {
	ID     int64         `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

func (c *Client) sendSubscription(cmd, channel string, tickers []string) error {
	msg := command{
		ID:  c.cmdID.Add(1),
		Cmd: cmd,
		Params: commandParams{
			Channels:      []string{channel},
			MarketTickers: tickers,
		},
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("stream %s %s: %w", cmd, channel, err)
	}
	c.log.Info("stream "+cmd, "channel", channel, "tickers", len(tickers))
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	var header http.Header
	if c.cfg.Header != nil {
		h, err := c.cfg.Header()
		if err != nil {
			return fmt.Errorf("stream handshake headers: %w", err)
		}
		header = h
	}

	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}

	// Disconnect sets closing before it takes connMu, so checking under the
	// lock never stores a conn that Disconnect has already passed over.
	c.connMu.Lock()
	if c.closing.Load() {
		c.connMu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connMu.Unlock()
	c.log.Info("stream connected", "url", c.cfg.URL)
	return nil
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)

	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.closing.Load() || ctx.Err() != nil {
				return
			}
			c.log.Warn("stream connection lost", "error", err)
			c.closeConn()
			if err := c.reconnect(ctx); err != nil {
				if !c.closing.Load() {
					c.log.Error("stream reconnect abandoned", "error", err)
				}
				return
			}
			continue
		}

		c.dispatch(data)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.connMu.Lock()
			if c.conn != nil {
				_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			}
			c.connMu.Unlock()
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	backoff := util.Backoff{Initial: c.cfg.ReconnectInitial, Max: c.cfg.ReconnectMax}

	for attempt := 1; c.cfg.MaxReconnects <= 0 || attempt <= c.cfg.MaxReconnects; attempt++ {
		delay := backoff.Next()
		c.log.Info("stream reconnecting", "attempt", attempt, "delay", delay)
		c.metrics.IncReconnect()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if c.closing.Load() {
			return ErrClosed
		}

		if err := c.dial(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			c.log.Warn("stream reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		c.resubscribe()
		return nil
	}
	return fmt.Errorf("gave up after %d attempts", c.cfg.MaxReconnects)
}

func (c *Client) resubscribe() {
	c.subsMu.Lock()
	snapshot := make(map[string][]string, len(c.subs))
	for ch, set := range c.subs {
		tickers := make([]string, 0, len(set))
		for t := range set {
			tickers = append(tickers, t)
		}
		sort.Strings(tickers)
		snapshot[ch] = tickers
	}
	c.subsMu.Unlock()

	for ch, tickers := range snapshot {
		if err := c.sendSubscription("subscribe", ch, tickers); err != nil {
			c.log.Warn("stream resubscribe failed", "channel", ch, "error", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Frame decoding
// ---------------------------------------------------------------------------

type frame struct {
	Type string          `json:"type"`
	Sid  int64           `json:"sid"`
	Msg  json.RawMessage `json:"msg"`
}

type fillMsg struct {
	TradeID      string `json:"trade_id"`
	OrderID      string `json:"order_id"`
	MarketTicker string `json:"market_ticker"`
	Side         string `json:"side"`
	Action       string `json:"action"`
	YesPrice     int64  `json:"yes_price"`
	NoPrice      int64  `json:"no_price"`
	Count        int64  `json:"count"`
	Ts           int64  `json:"ts"`
}

type orderMsg struct {
	OrderID        string `json:"order_id"`
	Ticker         string `json:"ticker"`
	Side           string `json:"side"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	YesPrice       int64  `json:"yes_price"`
	NoPrice        int64  `json:"no_price"`
	Count          int64  `json:"count"`
	FillCount      int64  `json:"fill_count"`
	RemainingCount int64  `json:"remaining_count"`
}

func (c *Client) dispatch(data []byte) {
	ev, ok, err := decodeFrame(data)
	if err != nil {
		c.log.Error("stream frame decode failed", "error", err)
		return
	}
	if !ok {
		return
	}
	c.metrics.IncStreamEvent(string(ev.Kind))
	c.Publish(ev)
}

// decodeFrame turns a raw frame into an Event. ok is false for frame types
// that carry no order information.
func decodeFrame(data []byte) (Event, bool, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, false, err
	}

	switch EventKind(f.Type) {
	case KindFilled:
		var m fillMsg
		if err := json.Unmarshal(f.Msg, &m); err != nil {
			return Event{}, false, fmt.Errorf("fill: %w", err)
		}
		side := domain.Side(strings.ToLower(m.Side))
		price := m.YesPrice
		if side == domain.SideNo {
			price = m.NoPrice
		}
		return Filled(domain.Fill{
			TradeID:   m.TradeID,
			OrderID:   m.OrderID,
			Ticker:    m.MarketTicker,
			Side:      side,
			Action:    domain.Action(strings.ToLower(m.Action)),
			Price:     price,
			Count:     m.Count,
			CreatedAt: time.Unix(m.Ts, 0).UTC(),
		}), true, nil

	case KindOrderUpdated:
		var m orderMsg
		if err := json.Unmarshal(f.Msg, &m); err != nil {
			return Event{}, false, fmt.Errorf("order_update: %w", err)
		}
		side := domain.Side(strings.ToLower(m.Side))
		price := m.YesPrice
		if side == domain.SideNo {
			price = m.NoPrice
		}
		count := m.Count
		if count == 0 {
			count = m.FillCount + m.RemainingCount
		}
		status := domain.OrderStatus(strings.ToLower(m.Status))
		if status == "cancelled" {
			status = domain.OrderStatusCancelled
		}
		return OrderUpdated(domain.Order{
			ID:          m.OrderID,
			Ticker:      m.Ticker,
			Side:        side,
			Action:      domain.Action(strings.ToLower(m.Action)),
			Price:       price,
			Count:       count,
			FilledCount: m.FillCount,
			Remaining:   m.RemainingCount,
			Status:      status,
		}), true, nil
	}
	return Event{}, false, nil
}
