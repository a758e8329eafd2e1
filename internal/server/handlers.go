package server

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Tyrowin/wsroute/internal/registry"
)

// WebSocketHandler upgrades GET requests on the WebSocket endpoint and runs
// the connection lifecycle on the request goroutine.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	hs := h.handshakeFrom(r)

	// Serve still refuses a duplicate that races past this check with a
	// policy-violation close.
	if _, exists := h.registry.LookupByEndpoint(hs.RemoteAddr); exists {
		h.logger.Warn("connection rejected before upgrade",
			zap.String("remote", r.RemoteAddr), zap.Error(registry.ErrDuplicateKey))
		http.Error(w, "Connection key already in use.", http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageSize)

	if err := h.Serve(conn, hs); err != nil {
		h.logger.Debug("connection ended", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
}

// handshakeFrom reads the group and client labels from the configured
// headers, falling back to query parameters.
func (h *Hub) handshakeFrom(r *http.Request) Handshake {
	cfg := h.cfg.Handshake
	query := r.URL.Query()

	label := func(header, param string) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
		return strings.TrimSpace(query.Get(param))
	}

	return Handshake{
		RemoteAddr: r.RemoteAddr,
		GroupID:    label(cfg.GroupHeader, cfg.GroupParam),
		ClientID:   label(cfg.ClientHeader, cfg.ClientParam),
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "wsroute server is running!")
}

// TestPageHandler serves an HTML page for connecting to the WebSocket
// endpoint with a group and client label and exchanging messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPageHTML)
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>wsroute client</title>
<style>
body { font: 14px monospace; max-width: 48em; margin: 1em auto; }
#log { border: 1px solid #999; height: 20em; overflow-y: auto; padding: .5em; white-space: pre-wrap; }
.out { color: #06c; } .in { color: #080; } .sys { color: #777; }
</style>
</head>
<body>
<h2>wsroute client</h2>
<form id="session">
  group <input name="group" size="12">
  client <input name="client" size="12">
  <button id="toggle">connect</button>
  <span id="state">closed</span>
</form>
<div id="log"></div>
<form id="compose">
  <input name="text" size="50" placeholder="text, or ping" disabled>
  <button disabled>send</button>
</form>
<script>
var sock = null;
var log = document.getElementById('log');
var state = document.getElementById('state');
var compose = document.getElementById('compose');

function line(cls, text) {
  var el = document.createElement('div');
  el.className = cls;
  el.textContent = new Date().toLocaleTimeString() + ' ' + text;
  log.appendChild(el);
  log.scrollTop = log.scrollHeight;
}

function setOpen(open) {
  state.textContent = open ? 'open' : 'closed';
  document.getElementById('toggle').textContent = open ? 'disconnect' : 'connect';
  for (var el of compose.elements) el.disabled = !open;
}

document.getElementById('session').onsubmit = function (e) {
  e.preventDefault();
  if (sock) { sock.close(1000); return; }
  var q = new URLSearchParams();
  for (var name of ['group', 'client']) {
    var v = this.elements[name].value.trim();
    if (v) q.set(name, v);
  }
  var scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
  sock = new WebSocket(scheme + location.host + '/ws?' + q);
  sock.onopen = function () { line('sys', 'open'); setOpen(true); };
  sock.onmessage = function (ev) { line('in', '< ' + ev.data); };
  sock.onclose = function (ev) {
    line('sys', 'closed ' + ev.code + (ev.reason ? ' ' + ev.reason : ''));
    sock = null;
    setOpen(false);
  };
};

compose.onsubmit = function (e) {
  e.preventDefault();
  var text = this.elements.text.value.trim();
  if (!text || !sock) return;
  sock.send(text);
  line('out', '> ' + text);
  this.elements.text.value = '';
};
</script>
</body>
</html>`
