package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"matcharena/broker/internal/config"
	"matcharena/broker/internal/logging"
	"matcharena/broker/internal/manager"
	"matcharena/broker/internal/metrics"
	"matcharena/broker/internal/protocol"
	"matcharena/broker/internal/queue"
	"matcharena/broker/internal/registry"
	"matcharena/broker/internal/session"
)

// Broker glues the transport to the arena core: it authenticates WebSocket
// upgrades, registers connections, and dispatches inbound frames to the
// matchmaking queue and the session manager.
type Broker struct {
	cfg      *config.Config
	log      *logging.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	queue    *queue.Queue
	manager  *manager.Manager

	wsAuthenticator websocketAuthenticator
	upgrader        websocket.Upgrader

	started    time.Time
	startupErr error
}

// BrokerOption customises broker construction.
type BrokerOption func(*Broker)

// WithWebsocketAuthenticator wires a custom authenticator into the broker.
func WithWebsocketAuthenticator(authenticator websocketAuthenticator) BrokerOption {
	return func(b *Broker) {
		if b == nil || authenticator == nil {
			return
		}
		b.wsAuthenticator = authenticator
	}
}

// WithStartupError marks the broker as degraded; readiness keeps reporting
// the error while the live traffic paths stay up.
func WithStartupError(err error) BrokerOption {
	return func(b *Broker) {
		if b != nil {
			b.startupErr = err
		}
	}
}

func newBroker(cfg *config.Config, log *logging.Logger, m *metrics.Metrics, reg *registry.Registry, q *queue.Queue, mgr *manager.Manager, opts ...BrokerOption) *Broker {
	b := &Broker{
		cfg:             cfg,
		log:             log,
		metrics:         m,
		registry:        reg,
		queue:           q,
		manager:         mgr,
		wsAuthenticator: guestAuthenticator{},
		started:         time.Now(),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// originChecker admits every origin when none are configured, otherwise only
// the listed ones.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	permitted := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		permitted[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := permitted[origin]
		return ok
	}
}

// serveWS upgrades one client connection and runs its pumps.
func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	//1.- Refuse new connections past the configured cap before any work.
	if b.cfg.MaxClients > 0 && b.registry.Count() >= b.cfg.MaxClients {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	//2.- Resolve the player identity before committing socket resources.
	identity, err := b.wsAuthenticator.Authenticate(r)
	if err != nil {
		b.log.Warn("websocket auth failed",
			logging.String("remote_addr", r.RemoteAddr),
			logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	client := newClient(identity, conn, b.log, b.cfg.SendTimeout)
	//3.- Register the connection; a previous one for the same player is
	// replaced and closed.
	_, replaced, err := b.registry.Register(identity, client)
	if err != nil {
		b.log.Warn("registration refused", logging.Error(err))
		client.Close()
		return
	}
	if replaced {
		b.log.Info("connection replaced", logging.String("player_id", string(identity.ID)))
	}

	go client.writePump(b.cfg.PingInterval)

	//4.- Resume a live match if the player has one waiting.
	if matchID, ok := b.manager.HandlePlayerConnected(identity.ID); ok {
		b.log.Info("player resumed match",
			logging.String("player_id", string(identity.ID)),
			logging.String("match_id", matchID))
	}

	go func() {
		client.readPump(b.cfg.MaxPayloadBytes, b.cfg.PingInterval, b.dispatch)
		//5.- Only treat the exit as a disconnect while this socket is still
		// the registered one; a reconnect may have superseded it already.
		if b.registry.UnregisterHandle(identity.ID, client) {
			b.manager.HandlePlayerDisconnected(identity.ID)
		}
	}()
}

// dispatch routes one decoded frame. Returning false tells the read pump to
// close the connection.
func (b *Broker) dispatch(c *Client, raw []byte) bool {
	b.registry.Touch(c.identity.ID)
	msg, err := protocol.DecodeInbound(raw)
	if err != nil {
		b.sendError(c, "bad_request", err.Error())
		return true
	}
	switch msg.Type {
	case protocol.TypeJoinQueue:
		b.handleJoinQueue(c, msg)
	case protocol.TypeCancelQueue:
		b.queue.CancelPlayer(c.identity.ID)
		b.sendQueueStatus(c)
	case protocol.TypeSubmitAction:
		b.handleSubmitAction(c, msg)
	case protocol.TypeDisconnect:
		return false
	}
	return true
}

func (b *Broker) handleJoinQueue(c *Client, msg *protocol.Inbound) {
	region := msg.Region
	if region == "" {
		region = c.identity.Region
	}
	criteria := queue.Criteria{Skill: c.identity.Skill, Region: region}
	if _, err := b.queue.Enqueue(c.identity, criteria); err != nil {
		if errors.Is(err, queue.ErrAlreadyQueued) {
			b.sendError(c, "already_queued", err.Error())
		} else {
			b.sendError(c, "bad_request", err.Error())
		}
		return
	}
	//1.- Enqueue may have paired immediately, in which case match_found is
	// already on the wire and there is no queue entry left to report.
	b.sendQueueStatus(c)
}

func (b *Broker) sendQueueStatus(c *Client) {
	position, waiting, tolerance, ok := b.queue.Status(c.identity.ID)
	if !ok {
		return
	}
	payload, err := protocol.EncodeQueueStatus(position, waiting.Milliseconds(), tolerance)
	if err != nil {
		return
	}
	if err := b.registry.Send(c.identity.ID, payload); err != nil {
		b.log.Debug("queue status delivery failed", logging.Error(err))
	}
}

func (b *Broker) handleSubmitAction(c *Client, msg *protocol.Inbound) {
	_, err := b.manager.HandleAction(c.identity.ID, msg.MatchID, msg.Action)
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, manager.ErrUnknownMatch):
		b.sendError(c, "unknown_match", err.Error())
	case errors.Is(err, session.ErrNotParticipant):
		b.sendError(c, "not_participant", err.Error())
	case errors.Is(err, session.ErrSessionForming):
		b.sendError(c, "session_forming", err.Error())
	case errors.Is(err, session.ErrSessionClosed):
		b.sendError(c, "session_closed", err.Error())
	case errors.Is(err, session.ErrInvalidAction):
		b.sendError(c, "invalid_action", err.Error())
	default:
		b.log.Error("action handling failed",
			logging.String("match_id", msg.MatchID),
			logging.Error(err))
		b.sendError(c, "internal", "action could not be applied")
	}
}

func (b *Broker) sendError(c *Client, kind, detail string) {
	payload, err := protocol.EncodeError(kind, detail)
	if err != nil {
		return
	}
	if err := c.Send(payload); err != nil {
		b.log.Debug("error frame delivery failed", logging.Error(err))
	}
}

// ClientCount reports currently registered connections.
func (b *Broker) ClientCount() int { return b.registry.Count() }

// SessionCount reports live match sessions.
func (b *Broker) SessionCount() int { return b.manager.SessionCount() }

// QueueDepth reports waiting matchmaking entries.
func (b *Broker) QueueDepth() int { return b.queue.Len() }

// StartupError reports a degraded-start condition, if any.
func (b *Broker) StartupError() error { return b.startupErr }

// Uptime reports how long the broker has been serving.
func (b *Broker) Uptime() time.Duration { return time.Since(b.started) }
