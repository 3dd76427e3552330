package main

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"matcharena/broker/internal/logging"
	"matcharena/broker/internal/player"
)

const writeDeadline = 10 * time.Second

var errClientGone = errors.New("client connection closed")

// Client owns one WebSocket connection. The write pump serialises all
// outbound frames so the broadcast path never writes to the socket directly,
// and Send never blocks longer than the configured timeout.
type Client struct {
	identity player.Identity
	conn     *websocket.Conn
	log      *logging.Logger

	send        chan []byte
	sendTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(identity player.Identity, conn *websocket.Conn, log *logging.Logger, sendTimeout time.Duration) *Client {
	return &Client{
		identity:    identity,
		conn:        conn,
		log:         log.With(logging.String("player_id", string(identity.ID))),
		send:        make(chan []byte, 64),
		sendTimeout: sendTimeout,
		done:        make(chan struct{}),
	}
}

// Send queues one frame for delivery. A congested connection gets the
// configured grace before the frame is refused; the caller decides whether a
// refusal is fatal for the connection.
func (c *Client) Send(payload []byte) error {
	if c == nil {
		return errClientGone
	}
	select {
	case <-c.done:
		return errClientGone
	default:
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientGone
	case <-timer.C:
		return errors.New("send buffer full")
	}
}

// Close tears the connection down exactly once.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump drains the send channel onto the socket and keeps the connection
// alive with periodic pings. It owns all writes to the underlying connection.
func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("write failed", logging.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump consumes inbound frames and hands them to the dispatcher until the
// peer goes away.
func (c *Client) readPump(maxPayloadBytes int64, pingInterval time.Duration, dispatch func(*Client, []byte) bool) {
	defer c.Close()
	if maxPayloadBytes > 0 {
		c.conn.SetReadLimit(maxPayloadBytes)
	}
	readDeadline := 2 * pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", logging.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		if !dispatch(c, raw) {
			return
		}
	}
}
