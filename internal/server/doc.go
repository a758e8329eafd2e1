// Package server is the network edge of wsroute: configuration, the HTTP
// routes, and the connection lifecycle that turns an upgraded WebSocket into
// a registered session.
//
// The Hub owns the session registry and the message router. Each accepted
// connection runs Hub.Serve on its request goroutine: it registers the
// session, answers "ping" with "pong", keeps the transport alive with
// periodic pings, and on exit deregisters the session before closing the
// socket. Hub.Shutdown closes every session with "going away" and waits for
// those lifecycles to finish.
package server
