// Package signaling is the relay server: WebSocket subscribers join a channel
// and every frame published on it fans out to the other subscribers.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"teleprompter/pkg/protocol"
	"teleprompter/pkg/roomcode"
)

const (
	defaultReadLimit   = 64 * 1024
	pingInterval       = 40 * time.Second
	pongWait           = 60 * time.Second
	writeTimeout       = 10 * time.Second
	upgradeReadBuffer  = 1024
	upgradeWriteBuffer = 1024
)

// RoomTracker is told when a host subscribes to or leaves its room channel.
type RoomTracker interface {
	HostJoined(ctx context.Context, code string) error
	HostLeft(ctx context.Context, code string) error
}

// HubOptions configures a Hub instance.
type HubOptions struct {
	Logger   *zerolog.Logger
	Upgrader *websocket.Upgrader
	// Fanout shares published frames with other server instances.
	Fanout Fanout
	Rooms  RoomTracker
	// OnEmpty runs when the last subscriber of any channel leaves.
	OnEmpty func()
}

// ConnOptions controls how a connection is registered.
type ConnOptions struct {
	// ID overrides the generated connection ID.
	ID      string
	Channel string
	Role    string
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
}

// Hub manages relay subscribers grouped by channel.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*client
	fanout   Fanout
	rooms    RoomTracker
	instance string
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	onEmpty  func()
}

type client struct {
	id      string
	channel string
	role    string
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHub builds a relay Hub.
func NewHub(opts HubOptions) *Hub {
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
		channels: make(map[string]map[string]*client),
		fanout:   opts.Fanout,
		rooms:    opts.Rooms,
		instance: uuid.NewString(),
		upgrader: upgrader,
		logger:   logger.With().Str("component", "relay").Logger(),
		onEmpty:  opts.OnEmpty,
	}
}

// HTTPHandler upgrades requests of the form /relay?channel=teleprompter-relay-CODE&role=host.
func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		if _, err := roomcode.FromRelayChannel(channel); err != nil {
			http.Error(w, "invalid channel", http.StatusBadRequest)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("upgrade error")
			return
		}
		// Use a background context so the connection isn't canceled when the HTTP handler returns.
		if err := h.Accept(conn, ConnOptions{Channel: channel, Role: r.URL.Query().Get("role")}); err != nil {
			h.logger.Warn().Err(err).Msg("accept error")
			conn.Close()
		}
	})
}

// Accept registers an already-upgraded WebSocket connection on opts.Channel.
func (h *Hub) Accept(conn *websocket.Conn, opts ConnOptions) error {
	if opts.Channel == "" {
		return errors.New("relay: missing channel")
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &client{
		id:      id,
		channel: opts.Channel,
		role:    opts.Role,
		conn:    conn,
		send:    make(chan []byte, 32),
		ctx:     ctx,
		cancel:  cancel,
	}

	h.register(ctx, c)

	go c.writePump()
	go c.readPump(h)
	return nil
}

// Run pumps frames from other instances into local channels until ctx is done.
// Without a Fanout it just waits for ctx.
func (h *Hub) Run(ctx context.Context) error {
	if h.fanout == nil {
		<-ctx.Done()
		return nil
	}
	return h.fanout.Subscribe(ctx, func(env Envelope) {
		if env.Origin == h.instance {
			return
		}
		h.deliver(env.Channel, env.Frame, "")
	})
}

// Subscribers counts the connections on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) register(ctx context.Context, c *client) {
	h.mu.Lock()
	members := h.channels[c.channel]
	if members == nil {
		members = make(map[string]*client)
		h.channels[c.channel] = members
	}
	members[c.id] = c
	count := len(members)
	h.mu.Unlock()

	if c.role == "host" && h.rooms != nil {
		if code, err := roomcode.FromRelayChannel(c.channel); err == nil {
			if err := h.rooms.HostJoined(ctx, code); err != nil {
				h.logger.Warn().Err(err).Str("room_code", code).Msg("room open")
			}
		}
	}

	h.logger.Info().Str("channel", c.channel).Str("conn_id", c.id).Str("role", c.role).Int("subscribers", count).Msg("subscribed")
	c.sendJSON(protocol.RelayFrame{Type: protocol.RelayReady, Channel: c.channel, Sender: c.id})
}

func (h *Hub) unregister(c *client) {
	ctx := context.Background()

	h.mu.Lock()
	members := h.channels[c.channel]
	delete(members, c.id)
	remaining := len(members)
	if remaining == 0 {
		delete(h.channels, c.channel)
	}
	empty := len(h.channels) == 0
	h.mu.Unlock()

	if c.role == "host" && h.rooms != nil {
		if code, err := roomcode.FromRelayChannel(c.channel); err == nil {
			if err := h.rooms.HostLeft(ctx, code); err != nil {
				h.logger.Warn().Err(err).Str("room_code", code).Msg("room close")
			}
		}
	}

	h.logger.Info().Str("channel", c.channel).Str("conn_id", c.id).Int("subscribers", remaining).Msg("unsubscribed")
	if empty && h.onEmpty != nil {
		h.onEmpty()
	}
}

func (h *Hub) publish(c *client, in protocol.RelayFrame) {
	if len(in.Data) == 0 {
		return
	}
	sender := in.Sender
	if sender == "" {
		sender = c.id
	}
	data, err := json.Marshal(protocol.RelayFrame{
		Type:    protocol.RelayMessage,
		Channel: c.channel,
		Sender:  sender,
		Data:    in.Data,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal relay frame")
		return
	}
	h.deliver(c.channel, data, c.id)

	if h.fanout != nil {
		env := Envelope{Origin: h.instance, Channel: c.channel, Frame: data}
		if err := h.fanout.Publish(c.ctx, env); err != nil {
			h.logger.Warn().Err(err).Str("channel", c.channel).Msg("fanout publish")
		}
	}
}

func (h *Hub) deliver(channel string, data []byte, skipID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, cl := range h.channels[channel] {
		if id == skipID {
			continue
		}
		select {
		case cl.send <- data:
		default:
			h.logger.Warn().Str("conn_id", id).Msg("client send buffer full, dropping message")
		}
	}
}

func (h *Hub) handleInbound(c *client, msg protocol.RelayFrame) {
	switch msg.Type {
	case protocol.RelayPublish:
		h.publish(c, msg)
	default:
		h.logger.Debug().Str("conn_id", c.id).Str("type", msg.Type).Msg("unknown message type")
	}
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
				h.logger.Debug().Err(err).Str("conn_id", c.id).Msg("read error")
			}
			return
		}

		var msg protocol.RelayFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug().Err(err).Str("conn_id", c.id).Msg("bad payload")
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
