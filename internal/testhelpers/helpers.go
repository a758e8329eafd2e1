// Package testhelpers provides common utilities shared by the wsroute package
// tests.
//
// It contains an in-memory socket that records writes and can be told to
// fail, plus helpers for dialing a running server with handshake metadata and
// reading frames with a deadline.
package testhelpers

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ErrFakeClosed is returned by FakeConn once it has been closed.
var ErrFakeClosed = errors.New("use of closed network connection")

// Frame is a single frame recorded by FakeConn.
type Frame struct {
	Type int
	Data []byte
}

// FakeConn is an in-memory socket. It records every written frame, can be
// made to fail writes, and flags overlapping writes so tests can assert that
// writes are serialized.
type FakeConn struct {
	mu       sync.Mutex
	frames   []Frame
	closed   bool
	writeErr error
	delay    time.Duration

	active     int
	overlapped bool

	// inbound frames for ReadMessage
	inbound chan Frame
	done    chan struct{}
	once    sync.Once
}

// NewFakeConn creates an open FakeConn.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		inbound: make(chan Frame, 64),
		done:    make(chan struct{}),
	}
}

// FailWrites makes every following write return err.
func (c *FakeConn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// SetWriteDelay makes each write take d, widening the window in which
// overlapping writes would be detected.
func (c *FakeConn) SetWriteDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// WriteMessage records a frame.
func (c *FakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	c.active++
	if c.active > 1 {
		c.overlapped = true
	}
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--

	if c.closed {
		return ErrFakeClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, Frame{Type: messageType, Data: append([]byte(nil), data...)})
	return nil
}

// SetWriteDeadline is a no-op.
func (c *FakeConn) SetWriteDeadline(time.Time) error {
	return nil
}

// Close marks the connection closed and unblocks ReadMessage.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

// ReadMessage returns the next queued inbound frame, or an error once the
// connection is closed.
func (c *FakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.inbound:
		return f.Type, f.Data, nil
	case <-c.done:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

// Push queues an inbound frame for ReadMessage.
func (c *FakeConn) Push(messageType int, data string) {
	c.inbound <- Frame{Type: messageType, Data: []byte(data)}
}

// Closed reports whether Close has been called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Overlapped reports whether two writes were ever in flight at once.
func (c *FakeConn) Overlapped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlapped
}

// Frames returns a copy of the recorded frames.
func (c *FakeConn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

// TextFrames returns the payloads of the recorded text frames.
func (c *FakeConn) TextFrames() []string {
	var out []string
	for _, f := range c.Frames() {
		if f.Type == websocket.TextMessage {
			out = append(out, string(f.Data))
		}
	}
	return out
}

// WebSocketURL converts an httptest server URL to a ws:// URL for path.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// ConnectWebSocket dials url with the given group and client labels sent as
// handshake headers. Empty labels are omitted.
func ConnectWebSocket(url, group, client string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", "http://localhost:8080")
	if group != "" {
		headers.Set("ClientGroup", group)
	}
	if client != "" {
		headers.Set("ClientID", client)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect is ConnectWebSocket that fails the test on error and closes the
// connection when the test ends.
func MustConnect(t *testing.T, url, group, client string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(url, group, client)
	if err != nil {
		t.Fatalf("Failed to connect (group=%q client=%q): %v", group, client, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ReadText reads one frame with a deadline and returns its payload.
func ReadText(t *testing.T, conn *websocket.Conn, timeout time.Duration) string {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return string(data)
}

// ExpectNoMessage fails the test if a frame arrives within timeout.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, but received %q", string(data))
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %s: %s", timeout, msg)
}
