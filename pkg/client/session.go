// Package client is the realtime side of a dock board: it holds one
// websocket to the server, reconnects when it drops and keeps a Board up
// to date.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roboricindustries/raycon-docks/pkg/auth"
	"github.com/roboricindustries/raycon-docks/pkg/dock"
	"github.com/roboricindustries/raycon-docks/pkg/pubsub"
	docks "github.com/roboricindustries/raycon-docks/pkg/schemas/docks/v1"
)

var (
	ErrMaxRetries   = errors.New("reconnect attempts exhausted")
	ErrNotConnected = errors.New("not connected")
)

type State string

const (
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

type Config struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/api/ws.
	URL       string
	Token     string
	Direction dock.Direction

	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	JitterPercent int
	// a connection that drops sooner than this counts as a failed attempt
	StableAfter time.Duration

	// Lister, when set, refills the board after every connection_ack.
	Lister Lister

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 32 * time.Second
	}
	if c.JitterPercent <= 0 {
		c.JitterPercent = 20
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Lister is satisfied by *API.
type Lister interface {
	List(ctx context.Context, direction dock.Direction) ([]dock.Assignment, error)
}

// Handlers are optional callbacks, called from the read loop.
type Handlers struct {
	OnAck      func(docks.ConnectionAck)
	OnLoad     func(rows []dock.Assignment)
	OnChange   func(n docks.Notification, changed bool)
	OnConflict func(docks.ConflictDetected)
	OnError    func(docks.Error)
	OnControl  func(docks.Notification)
	OnState    func(s State, err error)
}

type Session struct {
	cfg      Config
	handlers Handlers
	board    *Board
	log      *slog.Logger

	mu           sync.Mutex
	ws           *websocket.Conn
	connectionID string
}

func New(cfg Config, handlers Handlers, board *Board) *Session {
	cfg = cfg.withDefaults()
	if board == nil {
		board = NewBoard()
	}
	return &Session{cfg: cfg, handlers: handlers, board: board, log: cfg.Logger.With("component", "ws-client")}
}

func (s *Session) Board() *Board { return s.board }

// ConnectionID is the id the server assigned to the current socket. Send
// it as X-Connection-ID on writes to get conflicts pushed here too.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// Run keeps the session connected until ctx ends or MaxRetries
// consecutive attempts fail. A connection that drops before StableAfter
// is one of those attempts.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		ws, err := s.dial(ctx)
		if err == nil {
			connectedAt := time.Now()
			s.setConn(ws)
			s.state(StateConnected, nil)
			err = s.read(ctx, ws)
			s.setConn(nil)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Info("connection lost", slog.Duration("uptime", time.Since(connectedAt)), slog.Any("error", err))
			if time.Since(connectedAt) >= s.cfg.StableAfter {
				attempt = 0
				s.state(StateDisconnected, err)
				continue
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		if attempt > s.cfg.MaxRetries {
			s.state(StateDisconnected, err)
			return fmt.Errorf("%w after %d attempts: %v", ErrMaxRetries, s.cfg.MaxRetries, err)
		}
		wait := pubsub.JitteredDelay(pubsub.Backoff(s.cfg.BackoffBase, s.cfg.BackoffCap, attempt), s.cfg.BackoffCap, s.cfg.JitterPercent)
		s.log.Warn("connect failed",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", s.cfg.MaxRetries),
			slog.Duration("retry_in", wait),
			slog.Any("error", err),
		)
		s.state(StateReconnecting, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if s.cfg.Direction != "" {
		q := u.Query()
		q.Set("direction", string(s.cfg.Direction))
		u.RawQuery = q.Encode()
	}
	d := *s.cfg.Dialer
	if s.cfg.Token != "" {
		d.Subprotocols = append([]string{auth.SubprotocolPrefix + s.cfg.Token}, d.Subprotocols...)
	}
	ws, resp, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return ws, nil
}

func (s *Session) read(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	})
	defer func() {
		stop()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		n, err := docks.Decode(data)
		if err != nil {
			s.log.Debug("skipping message", slog.Any("error", err))
			continue
		}
		s.dispatch(ctx, n)
	}
}

// reload replaces the board with a fresh listing. Changes that raced the
// listing are still queued on the socket and apply on top by version.
func (s *Session) reload(ctx context.Context) {
	if s.cfg.Lister == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	rows, err := s.cfg.Lister.List(lctx, s.cfg.Direction)
	if err != nil {
		s.log.Warn("board reload failed", slog.Any("error", err))
		return
	}
	s.board.Load(rows)
	if s.handlers.OnLoad != nil {
		s.handlers.OnLoad(rows)
	}
}

func (s *Session) dispatch(ctx context.Context, n docks.Notification) {
	h := s.handlers
	switch v := n.(type) {
	case docks.ConnectionAck:
		s.mu.Lock()
		s.connectionID = v.ConnectionID
		s.mu.Unlock()
		if h.OnAck != nil {
			h.OnAck(v)
		}
		s.reload(ctx)
	case docks.AssignmentCreated, docks.AssignmentUpdated, docks.AssignmentDeleted:
		changed := s.board.Apply(n)
		if h.OnChange != nil {
			h.OnChange(n, changed)
		}
	case docks.ConflictDetected:
		s.board.Apply(v)
		if h.OnConflict != nil {
			h.OnConflict(v)
		}
	case docks.Error:
		s.log.Warn("server error", slog.String("code", v.Code), slog.String("message", v.Message))
		if h.OnError != nil {
			h.OnError(v)
		}
	default:
		if h.OnControl != nil {
			h.OnControl(n)
		}
	}
}

func (s *Session) Subscribe(f docks.Filters) error { return s.send(docks.Subscribe{Filters: f}) }
func (s *Session) Unsubscribe() error              { return s.send(docks.Unsubscribe{}) }
func (s *Session) Ping() error                     { return s.send(docks.Ping{}) }

func (s *Session) send(c docks.Command) error {
	b, err := docks.EncodeCommand(c)
	if err != nil {
		return err
	}
	// held across the write, gorilla allows one writer at a time
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return ErrNotConnected
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.ws.WriteMessage(websocket.TextMessage, b)
}

func (s *Session) setConn(ws *websocket.Conn) {
	s.mu.Lock()
	s.ws = ws
	if ws == nil {
		s.connectionID = ""
	}
	s.mu.Unlock()
}

func (s *Session) state(st State, err error) {
	if s.handlers.OnState != nil {
		s.handlers.OnState(st, err)
	}
}
