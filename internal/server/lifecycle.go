package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/wsroute/internal/session"
)

// FrameConn is a WebSocket connection the lifecycle reads from and writes
// through. *websocket.Conn satisfies it.
type FrameConn interface {
	session.Conn
	ReadMessage() (messageType int, p []byte, err error)
}

// readDeadliner is implemented by connections that support keepalive read
// deadlines.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Handshake is the metadata observed when a connection was accepted.
type Handshake struct {
	RemoteAddr string
	GroupID    string
	ClientID   string
}

// InboundHandler receives text frames that are not keepalive pings.
type InboundHandler interface {
	HandleMessage(ctx context.Context, s *session.Session, payload []byte)
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(ctx context.Context, s *session.Session, payload []byte)

func (f InboundHandlerFunc) HandleMessage(ctx context.Context, s *session.Session, payload []byte) {
	f(ctx, s, payload)
}

// LogInbound returns the default InboundHandler, which only logs.
func LogInbound(logger *zap.Logger) InboundHandler {
	return InboundHandlerFunc(func(_ context.Context, s *session.Session, payload []byte) {
		logger.Info("received message",
			zap.String("key", s.Key),
			zap.String("group", s.GroupID),
			zap.ByteString("payload", payload),
		)
	})
}

// Serve runs the lifecycle of one accepted connection and blocks until it
// ends. The session is registered before the read loop starts and is
// deregistered exactly once before the socket is closed. A duplicate key is
// refused with a policy-violation close and leaves the existing session
// untouched.
func (h *Hub) Serve(conn FrameConn, hs Handshake) error {
	if !h.track() {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return ErrHubClosed
	}
	defer h.wg.Done()

	s := session.New(conn, session.Identity{
		RemoteAddr: hs.RemoteAddr,
		GroupID:    hs.GroupID,
		ClientID:   hs.ClientID,
	}, h.cfg.Keepalive.WriteTimeout)

	log := h.logger.With(
		zap.String("key", s.Key),
		zap.String("group", s.GroupID),
		zap.String("client_id", s.ClientID),
		zap.Stringer("session_id", s.ID),
	)

	if err := h.registry.Register(s); err != nil {
		log.Warn("connection rejected", zap.Error(err))
		s.BeginClose()
		_ = s.Close(websocket.ClosePolicyViolation, "duplicate connection key")
		s.MarkClosed()
		return fmt.Errorf("register %s: %w", s.Key, err)
	}
	s.MarkOpen()
	log.Info("client connected", zap.Int("clients", h.registry.Len()))

	ctx, cancel := context.WithCancel(h.ctx)
	keepaliveDone := make(chan struct{})
	defer func() {
		cancel()
		<-keepaliveDone
		h.release(s, log)
	}()

	h.setupReadConnection(conn, log)
	go h.keepalive(ctx, s, log, keepaliveDone)

	h.readLoop(ctx, conn, s, log)
	return nil
}

// release runs the Closing, deregister, close socket, Closed sequence.
func (h *Hub) release(s *session.Session, log *zap.Logger) {
	s.BeginClose()
	h.registry.Remove(s)
	if err := s.Close(websocket.CloseNormalClosure, ""); err != nil && !isExpectedCloseError(err) {
		log.Debug("error closing connection", zap.Error(err))
	}
	if s.MarkClosed() {
		log.Info("client disconnected", zap.Int("clients", h.registry.Len()))
	}
}

func (h *Hub) setupReadConnection(conn FrameConn, log *zap.Logger) {
	dc, ok := conn.(readDeadliner)
	pongWait := h.cfg.Keepalive.PongWait
	if !ok || pongWait <= 0 {
		return
	}

	if err := dc.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Debug("error setting initial read deadline", zap.Error(err))
	}
	dc.SetPongHandler(func(string) error {
		if err := dc.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Debug("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// keepalive pings the peer on an interval and closes the session with
// "going away" when the hub shuts down.
func (h *Hub) keepalive(ctx context.Context, s *session.Session, log *zap.Logger, done chan<- struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if interval := h.cfg.Keepalive.PingInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			if h.ctx.Err() != nil {
				s.BeginClose()
				_ = s.Close(websocket.CloseGoingAway, "server shutting down")
			}
			return
		case <-tick:
			if err := s.Ping(); err != nil && !errors.Is(err, session.ErrNotOpen) {
				log.Debug("error writing ping", zap.Error(err))
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn FrameConn, s *session.Session, log *zap.Logger) {
	limiter := newRateLimiter(h.cfg.RateLimit)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			h.logReadError(log, err)
			return
		}

		if messageType != websocket.TextMessage {
			log.Debug("ignoring non-text frame", zap.Int("type", messageType))
			continue
		}

		if !limiter.allow() {
			msg := "rate limit exceeded; discarding message"
			if isPing(payload) {
				msg = "rate limit exceeded; ping not answered"
			}
			log.Warn(msg,
				zap.Int("burst", h.cfg.RateLimit.Burst),
				zap.Duration("refill_interval", h.cfg.RateLimit.RefillInterval),
			)
			continue
		}

		h.handleText(ctx, s, payload, log)
	}
}

// handleText answers "ping" in any letter case with "pong" and hands
// everything else to the inbound handler.
func (h *Hub) handleText(ctx context.Context, s *session.Session, payload []byte, log *zap.Logger) {
	if isPing(payload) {
		if err := s.SendText("pong"); err != nil {
			log.Debug("error sending pong", zap.Error(err))
			return
		}
		log.Debug("sent pong")
		return
	}
	h.inbound.HandleMessage(ctx, s, payload)
}

func isPing(payload []byte) bool {
	return strings.EqualFold(string(payload), "ping")
}

// logReadError classifies the error that ended a read loop.
func (h *Hub) logReadError(log *zap.Logger, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warn("message exceeded maximum size", zap.Int64("max_message_size", h.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Debug("peer closed connection", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		log.Warn("unexpected websocket close", zap.Error(err))
	default:
		log.Warn("websocket read error", zap.Error(err))
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "i/o timeout")
}
