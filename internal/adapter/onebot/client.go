package onebot

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var errNotConnected = errors.New("onebot: not connected")

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// client is the forward-WS transport: it dials out to the protocol
// client's endpoint and reconnects with capped backoff on failure.
type client struct {
	cfg     Config
	onFrame func(ctx context.Context, c conn, data []byte)

	mu   sync.Mutex
	conn *websocket.Conn
}

func newClient(cfg Config, onFrame func(ctx context.Context, c conn, data []byte)) *client {
	return &client{cfg: cfg, onFrame: onFrame}
}

func (c *client) run(ctx context.Context) {
	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := c.connectAndRead(ctx)
		if connected {
			backoff = reconnectMin // reset on success
		}
		if err != nil && ctx.Err() == nil {
			slog.Warn("onebot forward connection lost, reconnecting",
				"url", c.cfg.URL, "backoff", backoff.String(), "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

func (c *client) connectAndRead(ctx context.Context) (bool, error) {
	headers := http.Header{}
	if c.cfg.AccessToken != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	ws, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: headers})
	cancel()
	if err != nil {
		return false, err
	}
	ws.SetReadLimit(1 << 20) // 1MB

	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()
	slog.Info("onebot forward connected", "url", c.cfg.URL)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			return true, err
		}
		c.onFrame(ctx, c, data)
	}
}

// WriteJSON sends an action frame on the live connection. Thread-safe.
func (c *client) WriteJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		return errNotConnected
	}
	return wsjson.Write(ctx, ws, v)
}

func (c *client) CloseNow() {
	c.mu.Lock()
	ws := c.conn
	c.conn = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.CloseNow()
	}
}

func (c *client) close() { c.CloseNow() }
