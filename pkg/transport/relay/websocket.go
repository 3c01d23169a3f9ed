package relay

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"teleprompter/pkg/protocol"
	"teleprompter/pkg/roomcode"
	"teleprompter/pkg/session"
)

const writeTimeout = 10 * time.Second

// WebSocketOptions configures a WebSocket relay transport.
type WebSocketOptions struct {
	// URL of the relay endpoint, e.g. ws://10.0.0.5:8080/relay.
	URL    string
	Name   string
	Dialer *websocket.Dialer
	Logger *zerolog.Logger
	// NewBackOff builds the reconnect policy; an exponential backoff without
	// an elapsed-time limit by default.
	NewBackOff func() backoff.BackOff
}

// WebSocket publishes through the relay server and reconnects while the
// session lasts.
type WebSocket struct {
	url        string
	name       string
	dialer     *websocket.Dialer
	logger     zerolog.Logger
	newBackOff func() backoff.BackOff

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	endpoint endpoint
	role     session.Role
	ready    bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewWebSocket(opts WebSocketOptions) *WebSocket {
	name := opts.Name
	if name == "" {
		name = DefaultName
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	newBackOff := opts.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &WebSocket{
		url:        opts.URL,
		name:       name,
		dialer:     dialer,
		logger:     logger.With().Str("transport", name).Logger(),
		newBackOff: newBackOff,
	}
}

func (t *WebSocket) Name() string { return t.name }

func (t *WebSocket) Direct() bool { return false }

func (t *WebSocket) Open(ctx context.Context, role session.Role, code string, deliver session.Deliver) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return errAlreadyOpen
	}
	ep := newEndpoint(roomcode.RelayChannel(code), deliver)
	t.mu.Unlock()

	conn, err := t.dial(ctx, ep.channel, role)
	if err != nil {
		return wrapOpen("websocket", err)
	}

	lifeCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.endpoint = ep
	t.role = role
	t.ready = true
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.run(lifeCtx, conn, done)
	return nil
}

// dial connects and waits for the server to confirm the subscription.
func (t *WebSocket) dial(ctx context.Context, channel string, role session.Role) (*websocket.Conn, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("channel", channel)
	q.Set("role", string(role))
	u.RawQuery = q.Encode()

	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	var frame protocol.RelayFrame
	err = conn.ReadJSON(&frame)
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	if frame.Type != protocol.RelayReady {
		conn.Close()
		return nil, fmt.Errorf("unexpected %q frame before ready", frame.Type)
	}
	return conn, nil
}

func (t *WebSocket) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		t.readLoop(conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		t.ready = false
		ep, role := t.endpoint, t.role
		t.mu.Unlock()
		t.logger.Warn().Str("channel", ep.channel).Msg("relay connection lost, reconnecting")

		var next *websocket.Conn
		err := backoff.RetryNotify(func() error {
			c, err := t.dial(ctx, ep.channel, role)
			if err != nil {
				return err
			}
			next = c
			return nil
		}, backoff.WithContext(t.newBackOff(), ctx), func(err error, wait time.Duration) {
			t.logger.Debug().Err(err).Dur("retry_in", wait).Msg("relay reconnect failed")
		})
		if err != nil {
			return
		}

		t.mu.Lock()
		if ctx.Err() != nil {
			t.mu.Unlock()
			next.Close()
			return
		}
		t.conn = next
		t.ready = true
		t.mu.Unlock()
		conn = next
		t.logger.Info().Str("channel", ep.channel).Msg("relay reconnected")
	}
}

func (t *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		t.mu.Lock()
		ep := t.endpoint
		t.mu.Unlock()
		ep.handle(data, t.logger)
	}
}

func (t *WebSocket) Send(ctx context.Context, msg protocol.ControlMessage) error {
	t.mu.Lock()
	conn, ep, ready := t.conn, t.endpoint, t.ready
	t.mu.Unlock()
	if !ready || conn == nil {
		return session.ErrClosed
	}

	data, err := ep.encode(protocol.RelayPublish, msg)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocket) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Peers is always zero: the relay does not expose its subscribers.
func (t *WebSocket) Peers() int { return 0 }

func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		return nil
	}
	// Cancel under the lock so a concurrent reconnect cannot install a new conn.
	t.cancel()
	done, conn := t.done, t.conn
	t.cancel, t.done, t.conn = nil, nil, nil
	t.ready = false
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	<-done
	return nil
}
