package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/wsroute/internal/control"
	"github.com/Tyrowin/wsroute/internal/testhelpers"
)

// newTestHub creates a Hub with default config, adjusted by customize, that
// is shut down when the test ends.
func newTestHub(t *testing.T, customize func(cfg *Config), opts ...HubOption) *Hub {
	t.Helper()
	cfg := NewConfig()
	if customize != nil {
		customize(cfg)
	}
	h := NewHub(*cfg, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() { _ = h.Shutdown(2 * time.Second) })
	return h
}

// newTestServer serves the hub's routes, with the admin API mounted, on an
// httptest server and returns the WebSocket URL.
func newTestServer(t *testing.T, h *Hub) (*httptest.Server, string) {
	t.Helper()
	plane := control.New(h.Registry(), h.Router(), h.logger)
	srv := httptest.NewServer(SetupRoutes(h, plane))
	t.Cleanup(srv.Close)
	return srv, testhelpers.WebSocketURL(srv.URL, "/ws")
}

// waitForClients blocks until the registry holds n sessions.
func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	testhelpers.Eventually(t, 2*time.Second, func() bool {
		return h.Registry().Len() == n
	}, "registry size reached")
}
