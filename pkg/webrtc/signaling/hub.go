// Package signaling is the peer broker: clients register a peer id and
// exchange WebRTC offers, answers and ICE candidates addressed by id.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"teleprompter/pkg/presence"
	"teleprompter/pkg/protocol"
)

const (
	defaultReadLimit   = 64 * 1024
	pingInterval       = 40 * time.Second
	pongWait           = 60 * time.Second
	writeTimeout       = 10 * time.Second
	upgradeReadBuffer  = 1024
	upgradeWriteBuffer = 1024
)

// HubOptions configures a Hub instance.
type HubOptions struct {
	ICEServers []protocol.ICEServer
	ICEMode    string
	Logger     *zerolog.Logger
	Upgrader   *websocket.Upgrader
	OnEmpty    func()
}

// ConnOptions controls how a connection is accepted.
type ConnOptions struct {
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
}

// Hub brokers signaling between registered peers.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*client
	presence   presence.Store
	iceServers []protocol.ICEServer
	iceMode    string
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
	onEmpty    func()
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	// id is empty until the peer registers; only the read pump writes it.
	id string
}

// NewHub builds a broker Hub with the provided presence store and options.
func NewHub(presenceStore presence.Store, opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Hub{
		clients:    make(map[string]*client),
		presence:   presenceStore,
		iceServers: opts.ICEServers,
		iceMode:    opts.ICEMode,
		upgrader:   upgrader,
		logger:     logger.With().Str("component", "broker").Logger(),
		onEmpty:    opts.OnEmpty,
	}
}

func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("upgrade error")
			return
		}
		// Use a background context so the connection isn't canceled when the HTTP handler returns.
		h.Accept(conn, ConnOptions{})
	})
}

// Accept serves an already-upgraded WebSocket connection. The peer must send
// a register frame before it can signal.
func (h *Hub) Accept(conn *websocket.Conn, opts ConnOptions) {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &client{
		conn:   conn,
		send:   make(chan []byte, 32),
		ctx:    ctx,
		cancel: cancel,
	}
	go c.writePump()
	go c.readPump(h)
}

// Peers lists the registered peer ids.
func (h *Hub) Peers(ctx context.Context) ([]string, error) {
	return h.presence.Peers(ctx)
}

func (h *Hub) register(ctx context.Context, c *client, requested string) {
	if c.id != "" {
		c.sendJSON(protocol.BrokerMessage{Type: protocol.BrokerError, ID: c.id, Error: "already registered"})
		return
	}
	id := strings.TrimSpace(requested)
	if id == "" {
		id = uuid.NewString()
	}

	h.mu.Lock()
	_, local := h.clients[id]
	h.mu.Unlock()
	claimed := false
	if !local {
		var err error
		claimed, err = h.presence.Claim(ctx, id)
		if err != nil {
			h.logger.Error().Err(err).Str("peer_id", id).Msg("presence claim")
			c.sendJSON(protocol.BrokerMessage{Type: protocol.BrokerError, ID: id, Error: "registration unavailable"})
			return
		}
	}
	if !claimed {
		h.logger.Info().Str("peer_id", id).Msg("peer id taken")
		c.sendJSON(protocol.BrokerMessage{Type: protocol.BrokerIDTaken, ID: id})
		return
	}

	h.mu.Lock()
	h.clients[id] = c
	count := len(h.clients)
	h.mu.Unlock()
	c.id = id

	h.logger.Info().Str("peer_id", id).Int("peers", count).Msg("peer registered")
	c.sendJSON(protocol.BrokerMessage{
		Type:       protocol.BrokerRegistered,
		ID:         id,
		ICEServers: h.iceServers,
	})
}

func (h *Hub) unregister(c *client) {
	if c.id == "" {
		return
	}
	ctx := context.Background()

	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	remaining := len(h.clients)
	h.mu.Unlock()

	if err := h.presence.Release(ctx, c.id); err != nil {
		h.logger.Warn().Err(err).Str("peer_id", c.id).Msg("presence release")
	}

	h.broadcast(protocol.BrokerMessage{Type: protocol.BrokerPeerLeft, From: c.id}, c.id)
	h.logger.Info().Str("peer_id", c.id).Int("peers", remaining).Msg("peer unregistered")

	if remaining == 0 && h.onEmpty != nil {
		h.onEmpty()
	}
}

func (h *Hub) broadcast(msg protocol.BrokerMessage, skipID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, cl := range h.clients {
		if id == skipID {
			continue
		}
		select {
		case cl.send <- data:
		default:
			h.logger.Warn().Str("peer_id", id).Msg("client send buffer full, dropping message")
		}
	}
}

func (h *Hub) handleInbound(c *client, msg protocol.BrokerMessage) {
	h.logger.Debug().Str("type", msg.Type).Str("from", c.id).Str("to", msg.To).Msg("inbound")
	switch msg.Type {
	case protocol.BrokerRegister:
		h.register(c.ctx, c, msg.ID)
	case protocol.BrokerSignal:
		if c.id == "" {
			c.sendJSON(protocol.BrokerMessage{Type: protocol.BrokerError, Error: "register first"})
			return
		}
		if msg.To == "" || len(msg.Data) == 0 {
			return
		}
		h.forwardSignal(c, msg.To, msg.Data)
	default:
		h.logger.Debug().Str("peer_id", c.id).Str("type", msg.Type).Msg("unknown message type")
	}
}

func (h *Hub) forwardSignal(from *client, to string, payload json.RawMessage) {
	h.mu.RLock()
	target := h.clients[to]
	h.mu.RUnlock()
	if target == nil {
		h.logger.Debug().Str("from", from.id).Str("to", to).Msg("forward signal target missing")
		from.sendJSON(protocol.BrokerMessage{Type: protocol.BrokerError, To: to, Error: "peer not found"})
		return
	}

	target.sendJSON(protocol.BrokerMessage{
		Type: protocol.BrokerSignal,
		From: from.id,
		To:   to,
		Data: payload,
	})
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		c.cancel()
	}()

	c.conn.SetReadLimit(defaultReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug().Err(err).Str("peer_id", c.id).Msg("read error")
			}
			return
		}

		var msg protocol.BrokerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug().Err(err).Str("peer_id", c.id).Msg("bad payload")
			continue
		}
		h.handleInbound(c, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeTimeout))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
