package realtime

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/roboricindustries/raycon-docks/pkg/auth"
	"github.com/roboricindustries/raycon-docks/pkg/dock"
	docks "github.com/roboricindustries/raycon-docks/pkg/schemas/docks/v1"
)

type SessionConfig struct {
	QueueSize       int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	CommandRate     float64
	CommandBurst    int
	// Empty allows any origin.
	AllowedOrigins []string
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4096
	}
	if c.CommandRate <= 0 {
		c.CommandRate = 10
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = 20
	}
	return c
}

// Hub upgrades authenticated requests to websocket sessions and keeps each
// one registered for its lifetime.
type Hub struct {
	reg      *Registry
	authn    auth.Authenticator
	cfg      SessionConfig
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

func NewHub(reg *Registry, authn auth.Authenticator, cfg SessionConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	h := &Hub{
		reg:      reg,
		authn:    authn,
		cfg:      cfg,
		log:      logger.With("component", "ws"),
		sessions: make(map[string]*session),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, err := h.authn.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var filter Filter
	if raw := r.URL.Query().Get("direction"); raw != "" {
		d, err := dock.ParseDirection(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Direction = d
	}

	// echo the token-carrying subprotocol, browsers drop the socket otherwise
	var hdr http.Header
	if p := auth.BearerSubprotocol(r); p != "" {
		hdr = http.Header{}
		hdr.Set("Sec-Websocket-Protocol", p)
	}
	ws, err := h.upgrader.Upgrade(w, r, hdr)
	if err != nil {
		h.log.Debug("upgrade failed", slog.Any("error", err))
		return
	}

	s := newSession(ulid.Make().String(), actor, ws, h.cfg)
	h.run(s, filter)
}

func (h *Hub) run(s *session, filter Filter) {
	log := h.log.With(slog.String("connection_id", s.id), slog.String("user_id", s.actor.UserID))

	ack, err := docks.Encode(docks.ConnectionAck{ConnectionID: s.id, UserID: s.actor.UserID})
	if err == nil {
		err = s.Send(ack)
	}
	if err == nil {
		err = h.reg.Register(s.id, s.actor.UserID, filter, s)
	}
	if err != nil {
		log.Warn("session setup failed", slog.Any("error", err))
		_ = s.Close()
		return
	}
	h.track(s)
	log.Info("connected", slog.String("direction", string(filter.Direction)))

	defer func() {
		h.reg.Unregister(s.id)
		h.untrack(s)
		_ = s.Close()
		log.Info("disconnected")
	}()

	go s.writePump(log)
	s.readPump(log, h.handle)
}

// handle answers one client frame.
func (h *Hub) handle(s *session, data []byte) {
	if !s.limiter.Allow() {
		s.reply(docks.Error{Code: docks.CodeRateLimited, Message: "too many messages"})
		return
	}
	cmd, err := docks.DecodeCommand(data)
	if err != nil {
		code := docks.CodeInvalidMessage
		switch {
		case errors.Is(err, docks.ErrUnknownCommand):
			code = docks.CodeUnknownCommand
		case errors.Is(err, docks.ErrInvalidFilter):
			code = docks.CodeInvalidFilter
		}
		s.reply(docks.Error{Code: code, Message: err.Error()})
		return
	}

	switch c := cmd.(type) {
	case docks.Subscribe:
		if err := h.reg.UpdateFilter(s.id, FilterFrom(c.Filters)); err != nil {
			return
		}
		s.reply(docks.SubscribeAck{Filters: c.Filters})
	case docks.Unsubscribe:
		if err := h.reg.Unsubscribe(s.id); err != nil {
			return
		}
		s.reply(docks.UnsubscribeAck{})
	case docks.Ping:
		s.reply(docks.Pong{})
	}
}

func (h *Hub) track(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) untrack(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
}

// CloseAll sends a going-away close frame to every live session.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	live := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()
	for _, s := range live {
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		_ = s.Close()
	}
}

// session is one websocket client. It implements Conn.
type session struct {
	id      string
	actor   dock.Actor
	ws      *websocket.Conn
	cfg     SessionConfig
	limiter *rate.Limiter

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, actor dock.Actor, ws *websocket.Conn, cfg SessionConfig) *session {
	return &session{
		id:      id,
		actor:   actor,
		ws:      ws,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandRate), cfg.CommandBurst),
		out:     make(chan []byte, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Send enqueues msg without blocking.
func (s *session) Send(msg []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ws != nil {
			_ = s.ws.Close()
		}
	})
	return nil
}

func (s *session) reply(n docks.Notification) {
	msg, err := docks.Encode(n)
	if err != nil {
		return
	}
	_ = s.Send(msg)
}

func (s *session) writePump(log *slog.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.Close()
	}()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				// a write deadline cannot be recovered from
				log.Debug("write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) readPump(log *slog.Logger, handle func(*session, []byte)) {
	s.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", slog.Any("error", err))
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		handle(s, data)
	}
}
