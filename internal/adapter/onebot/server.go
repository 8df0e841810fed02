package onebot

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/google/uuid"
)

// server is the reverse-WS listener: protocol clients dial in and
// stream event frames upward on the same connection replies go down.
type server struct {
	cfg      Config
	onFrame  func(ctx context.Context, c conn, data []byte)
	listener net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	baseCtx  context.Context

	mu    sync.Mutex
	conns map[string]*serverConn
}

func newServer(cfg Config, onFrame func(ctx context.Context, c conn, data []byte)) (*server, error) {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	s := &server{
		cfg:      cfg,
		onFrame:  onFrame,
		listener: ln,
		conns:    make(map[string]*serverConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Protocol clients are not browsers; origin carries no signal here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *server) serve(ctx context.Context) {
	s.baseCtx = ctx
	slog.Info("onebot reverse listener ready", "addr", s.listener.Addr().String(), "path", s.cfg.Path)
	if err := s.httpSrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		slog.Error("onebot reverse listener stopped", "error", err)
	}
}

func (s *server) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.mu.Lock()
	for _, c := range s.conns {
		c.CloseNow()
	}
	s.conns = map[string]*serverConn{}
	s.mu.Unlock()
}

func (s *server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("onebot websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	c := &serverConn{ws: ws}
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
	slog.Info("onebot client connected", "remote", r.RemoteAddr, "conn_id", id)

	go s.readLoop(id, c)
}

// authorized checks the optional shared access token, accepted either
// as a bearer header or an access_token query parameter.
func (s *server) authorized(r *http.Request) bool {
	if s.cfg.AccessToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.TrimPrefix(auth, "Bearer ") == s.cfg.AccessToken {
		return true
	}
	return r.URL.Query().Get("access_token") == s.cfg.AccessToken
}

func (s *server) readLoop(id string, c *serverConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		c.CloseNow()
		slog.Info("onebot client disconnected", "conn_id", id)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("onebot read ended", "conn_id", id, "error", err)
			}
			return
		}
		s.onFrame(s.baseCtx, c, data)
	}
}

// serverConn wraps a gorilla connection with a write lock; gorilla
// permits only one concurrent writer.
type serverConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *serverConn) WriteJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(v)
}

func (c *serverConn) CloseNow() {
	_ = c.ws.Close()
}
