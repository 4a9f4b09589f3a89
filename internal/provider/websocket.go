package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wireMessage is the envelope a vendor streaming feed sends over the wire.
// Real vendor payload shapes vary; this is the minimal shape every
// VendorUpdate in this package is built from.
type wireMessage struct {
	Channel string          `json:"channel"` // "trade", "quote", "depth"
	Symbol  string          `json:"symbol"`
	Data    json.RawMessage `json:"data"`
}

// WSConfig configures a WebSocketClient.
type WSConfig struct {
	Name          string
	URL           string
	Kind          DataSourceKind
	PingInterval  time.Duration
	StaleAfter    time.Duration // no message for this long => StateStale
	DialTimeout   time.Duration
	Logger        zerolog.Logger
}

func (c *WSConfig) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// WebSocketClient is a StreamingClient backed by a single gorilla/websocket
// connection. It is the default transport for vendor feeds in this domain:
// most market-data vendors (equities consolidated tape proxies, crypto
// exchange feeds) expose a WS endpoint with a subscribe/unsubscribe control
// message, which is exactly what this client speaks.
type WebSocketClient struct {
	cfg    WSConfig
	sink   VendorSink
	health HealthSink
	log    zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]Subscription
	cancel  context.CancelFunc
	readerDone chan struct{}
	lastMsg time.Time
}

// NewWebSocketClient builds a client; Connect must be called before any
// Subscribe.
func NewWebSocketClient(cfg WSConfig, sink VendorSink, health HealthSink) *WebSocketClient {
	cfg.setDefaults()
	return &WebSocketClient{
		cfg:    cfg,
		sink:   sink,
		health: health,
		log:    cfg.Logger,
		subs:   make(map[string]Subscription),
	}
}

// Connect dials the vendor endpoint and starts the read loop.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	c.reportHealth(StateConnecting, 0, nil)

	dialer := &websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.reportHealth(StateError, 0, err)
		return fmt.Errorf("provider: dial %s: %w", c.cfg.Name, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.lastMsg = time.Now()
	c.readerDone = make(chan struct{})

	go c.readLoop(readCtx, conn, c.readerDone)
	go c.staleWatch(readCtx)

	c.reportHealth(StateConnected, 0, nil)
	return nil
}

// Disconnect closes the connection and waits for the read loop to exit.
func (c *WebSocketClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	done := c.readerDone
	c.conn = nil
	c.cancel = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	_ = conn.Close()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.reportHealth(StateDisconnected, 0, nil)
	return nil
}

// Subscribe sends a subscribe control message and records the subscription
// so a reconnect (by the failover controller establishing a fresh client)
// can be resubscribed by the caller.
func (c *WebSocketClient) Subscribe(ctx context.Context, symbol string, what Subscription) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("provider: %s: subscribe before connect", c.cfg.Name)
	}

	if err := c.sendControl(conn, "subscribe", symbol, what); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[symbol] = c.subs[symbol] | what
	c.mu.Unlock()
	return nil
}

// Unsubscribe sends an unsubscribe control message.
func (c *WebSocketClient) Unsubscribe(ctx context.Context, symbol string, what Subscription) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("provider: %s: unsubscribe before connect", c.cfg.Name)
	}

	if err := c.sendControl(conn, "unsubscribe", symbol, what); err != nil {
		return err
	}
	c.mu.Lock()
	remaining := c.subs[symbol] &^ what
	if remaining == 0 {
		delete(c.subs, symbol)
	} else {
		c.subs[symbol] = remaining
	}
	c.mu.Unlock()
	return nil
}

func (c *WebSocketClient) sendControl(conn *websocket.Conn, action, symbol string, what Subscription) error {
	channels := make([]string, 0, 3)
	if what.Has(SubTrades) {
		channels = append(channels, "trade")
	}
	if what.Has(SubBboQuote) {
		channels = append(channels, "quote")
	}
	if what.Has(SubDepth) {
		channels = append(channels, "depth")
	}
	msg := map[string]any{"action": action, "symbol": symbol, "channels": channels}
	return conn.WriteJSON(msg)
}

func (c *WebSocketClient) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn().Err(err).Str("provider", c.cfg.Name).Msg("websocket read failed")
			c.reportHealth(StateError, 0, err)
			return
		}

		c.mu.Lock()
		c.lastMsg = time.Now()
		c.mu.Unlock()

		var wm wireMessage
		if err := json.Unmarshal(raw, &wm); err != nil {
			c.log.Warn().Err(err).Str("provider", c.cfg.Name).Msg("malformed vendor message")
			continue
		}

		var kind Subscription
		switch wm.Channel {
		case "trade":
			kind = SubTrades
		case "quote":
			kind = SubBboQuote
		case "depth":
			kind = SubDepth
		default:
			continue
		}

		c.sink.OnVendorUpdate(VendorUpdate{Kind: kind, Symbol: wm.Symbol, Payload: wm.Data})
	}
}

// staleWatch periodically checks whether a message has been received
// within StaleAfter, reporting StateStale to the failover controller if
// not — the connection may still be technically open (TCP half-alive)
// while the vendor has stopped publishing.
func (c *WebSocketClient) staleWatch(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastMsg)
			c.mu.Unlock()
			if idle > c.cfg.StaleAfter {
				c.reportHealth(StateStale, idle, nil)
			}
		}
	}
}

func (c *WebSocketClient) reportHealth(state ConnectionState, latency time.Duration, err error) {
	if c.health == nil {
		return
	}
	c.health.ReportHealth(HealthEvent{
		Provider: c.cfg.Name,
		State:    state,
		At:       time.Now(),
		Latency:  latency,
		Err:      err,
	})
}
