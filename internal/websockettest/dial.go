// Package websockettest holds client-side helpers for tests that speak to a
// live arena listener over WebSocket.
package websockettest

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// Dial connects to an arena WebSocket endpoint with the keepalive handlers
// disabled, so tests read only the frames the arena actually sent and can
// simulate a peer that never answers pings.
func Dial(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	//1.- Swallow control frames; the arena's liveness bookkeeping is the
	// server's concern, not the test client's.
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}
