// Package onebot implements the protocol-client adapter: bots speaking
// an OneBot-style JSON event protocol over WebSocket. Two transport
// modes are supported — a reverse listener the client connects to, and
// a forward client dialing out to the bot implementation — sharing the
// same frame codec and reply path.
package onebot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sunflowermm/xrkbot/internal/adapter"
	"github.com/sunflowermm/xrkbot/internal/normalize"
	"github.com/sunflowermm/xrkbot/pkg/event"
)

// Mode selects the transport direction.
type Mode string

const (
	// ModeReverse listens for inbound client connections.
	ModeReverse Mode = "reverse"
	// ModeForward dials out to the client's WebSocket endpoint.
	ModeForward Mode = "forward"
)

// Config configures the onebot adapter.
type Config struct {
	Mode        Mode
	Listen      string // reverse: listen address, e.g. ":6700"
	Path        string // reverse: upgrade path, default "/ws"
	URL         string // forward: endpoint to dial
	AccessToken string // optional shared token, both modes
	SelfID      string // expected bot identity; learned from frames when empty
}

// conn abstracts one live client connection so the reply capability is
// transport-agnostic.
type conn interface {
	WriteJSON(ctx context.Context, v any) error
	CloseNow()
}

// Adapter is the onebot source adapter.
type Adapter struct {
	*adapter.Base
	cfg    Config
	cancel context.CancelFunc

	mu     sync.RWMutex
	server *server // reverse mode
	client *client // forward mode
}

// New creates an onebot adapter. The limiter bounds intake across all
// connections.
func New(cfg Config, sink adapter.Sink, limiter *rate.Limiter) *Adapter {
	if cfg.Mode == "" {
		cfg.Mode = ModeReverse
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return &Adapter{
		Base: adapter.NewBase("onebot", cfg.SelfID, sink, limiter),
		cfg:  cfg,
	}
}

// Start launches the configured transport. Non-blocking.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	switch a.cfg.Mode {
	case ModeReverse:
		srv, err := newServer(a.cfg, a.handleFrame)
		if err != nil {
			cancel()
			return fmt.Errorf("onebot: start reverse listener: %w", err)
		}
		a.mu.Lock()
		a.server = srv
		a.mu.Unlock()
		go srv.serve(runCtx)
	case ModeForward:
		c := newClient(a.cfg, a.handleFrame)
		a.mu.Lock()
		a.client = c
		a.mu.Unlock()
		go c.run(runCtx)
	default:
		cancel()
		return fmt.Errorf("onebot: unknown mode %q", a.cfg.Mode)
	}

	a.SetRunning(true)
	slog.Info("onebot adapter started", "mode", string(a.cfg.Mode))
	return nil
}

// Stop shuts down the transport.
func (a *Adapter) Stop(_ context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.server != nil {
		a.server.close()
		a.server = nil
	}
	if a.client != nil {
		a.client.close()
		a.client = nil
	}
	a.mu.Unlock()
	a.SetRunning(false)
	return nil
}

// handleFrame decodes one wire frame from c and publishes it. The reply
// capability is bound to the originating connection so group/private
// replies travel back over the socket the event arrived on.
func (a *Adapter) handleFrame(ctx context.Context, c conn, data []byte) {
	raw, ok := decodeFrame(data)
	if !ok {
		return
	}
	if a.SelfID() == "" && raw.SelfID != "" {
		a.SetSelfID(raw.SelfID)
	}
	raw.Reply = a.replyFunc(c, raw)
	a.Publish(ctx, raw)
}

// replyFunc builds the event's reply capability: a send_msg action
// frame targeting the event's group or user.
func (a *Adapter) replyFunc(c conn, raw normalize.Raw) event.ReplyFunc {
	groupID, userID := raw.GroupID, raw.UserID
	return func(ctx context.Context, segments ...event.Segment) (bool, error) {
		params := map[string]any{
			"message": encodeSegments(segments),
		}
		if groupID != "" {
			params["message_type"] = "group"
			params["group_id"] = parseID(groupID)
		} else {
			params["message_type"] = "private"
			params["user_id"] = parseID(userID)
		}
		act := action{
			Action: "send_msg",
			Params: params,
			Echo:   uuid.NewString(),
		}
		if err := c.WriteJSON(ctx, act); err != nil {
			return false, fmt.Errorf("onebot: send reply: %w", err)
		}
		return true, nil
	}
}

func parseID(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
