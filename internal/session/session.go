// Package session describes a single live WebSocket connection and owns the
// only write path to its socket.
//
// A Session is created by the connection lifecycle after a successful
// handshake. Every write to the underlying socket, whether a router delivery,
// a pong reply or a keepalive ping, goes through the Session's write mutex
// because the transport forbids concurrent writers on one connection.
package session

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrNotOpen    = errors.New("session not open")
	ErrSendFailed = errors.New("send failed")
)

// State is the lifecycle position of a Session.
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the part of a WebSocket connection a Session writes through.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Identity is the metadata a client supplies, or the listener observes, at
// handshake time.
type Identity struct {
	RemoteAddr string
	GroupID    string
	ClientID   string
}

// Info is a point-in-time copy of a Session's metadata for display.
type Info struct {
	ID             uuid.UUID `json:"id"`
	Key            string    `json:"key"`
	GroupID        string    `json:"group_id,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	RemoteEndpoint string    `json:"remote_endpoint"`
	ConnectedAt    time.Time `json:"connected_at"`
	State          string    `json:"state"`
}

// Session is one live connection and its metadata. The exported fields are
// set once by New and never modified.
type Session struct {
	ID             uuid.UUID
	Key            string
	GroupID        string
	ClientID       string
	RemoteEndpoint string
	ConnectedAt    time.Time

	conn         Conn
	writeTimeout time.Duration

	// Write serialization
	writeMu sync.Mutex

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// New creates a Session in state Connecting. The key is the normalized
// remote address.
func New(conn Conn, id Identity, writeTimeout time.Duration) *Session {
	return &Session{
		ID:             uuid.New(),
		Key:            NormalizeEndpoint(id.RemoteAddr),
		GroupID:        strings.TrimSpace(id.GroupID),
		ClientID:       strings.TrimSpace(id.ClientID),
		RemoteEndpoint: id.RemoteAddr,
		ConnectedAt:    time.Now(),
		conn:           conn,
		writeTimeout:   writeTimeout,
	}
}

// NormalizeEndpoint canonicalizes an ip:port address so that equivalent
// spellings produce the same key. Anything that is not an ip:port pair is
// returned trimmed but otherwise unchanged.
func NormalizeEndpoint(addr string) string {
	if normalized, ok := ParseEndpoint(addr); ok {
		return normalized
	}
	return strings.TrimSpace(addr)
}

// ParseEndpoint reports whether addr is an ip:port pair and returns its
// canonical form.
func ParseEndpoint(addr string) (string, bool) {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(addr))
	if err != nil {
		return "", false
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String(), true
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsOpen reports whether the session currently accepts writes.
func (s *Session) IsOpen() bool {
	return s.State() == Open
}

// MarkOpen moves a Connecting session to Open.
func (s *Session) MarkOpen() bool {
	return s.state.CompareAndSwap(int32(Connecting), int32(Open))
}

// BeginClose moves the session to Closing. It returns false if the session
// was already closing or closed.
func (s *Session) BeginClose() bool {
	for {
		cur := s.State()
		if cur == Closing || cur == Closed {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(Closing)) {
			return true
		}
	}
}

// MarkClosed moves the session to Closed and reports whether this call made
// the transition.
func (s *Session) MarkClosed() bool {
	return State(s.state.Swap(int32(Closed))) != Closed
}

// Send writes a text frame.
func (s *Session) Send(payload []byte) error {
	return s.write(websocket.TextMessage, payload)
}

// SendText writes a text frame from a string.
func (s *Session) SendText(text string) error {
	return s.write(websocket.TextMessage, []byte(text))
}

// Ping writes a transport-level ping frame.
func (s *Session) Ping() error {
	return s.write(websocket.PingMessage, nil)
}

func (s *Session) write(messageType int, data []byte) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// The state may have changed while waiting for the lock.
	if !s.IsOpen() {
		return ErrNotOpen
	}

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("%w to %s: set write deadline: %w", ErrSendFailed, s.Key, err)
		}
	}
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("%w to %s: %w", ErrSendFailed, s.Key, err)
	}
	return nil
}

// Close writes a close frame with the given code and reason, best effort,
// and closes the socket. Only the first call has any effect; later calls
// return the first call's error.
func (s *Session) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		deadline := time.Now().Add(time.Second)
		if s.writeTimeout > 0 {
			deadline = time.Now().Add(s.writeTimeout)
		}
		if err := s.conn.SetWriteDeadline(deadline); err == nil {
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Info returns a copy of the session metadata.
func (s *Session) Info() Info {
	return Info{
		ID:             s.ID,
		Key:            s.Key,
		GroupID:        s.GroupID,
		ClientID:       s.ClientID,
		RemoteEndpoint: s.RemoteEndpoint,
		ConnectedAt:    s.ConnectedAt,
		State:          s.State().String(),
	}
}

func (s *Session) String() string {
	group := s.GroupID
	if group == "" {
		group = "-"
	}
	client := s.ClientID
	if client == "" {
		client = "-"
	}
	return fmt.Sprintf("%s (group=%s, client=%s)", s.Key, group, client)
}
