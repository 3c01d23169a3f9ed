package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"teleprompter/pkg/protocol"
	"teleprompter/pkg/roomcode"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultMaxAttempts    = 5
	defaultQueueSize      = 256
)

// Options configures a Client.
type Options struct {
	Transports []Transport
	// ConnectTimeout bounds StartHost/ConnectToHost. Pending handshakes are
	// cancelled when it expires.
	ConnectTimeout time.Duration
	// MaxAttempts bounds room code regeneration after ErrIDTaken.
	MaxAttempts int
	QueueSize   int
	Logger      *zerolog.Logger
	// GenerateCode overrides room code generation.
	GenerateCode func() string
}

// ConnectionState is the aggregate view of a session.
type ConnectionState struct {
	IsConnected bool              `json:"isConnected"`
	PeerID      string            `json:"peerId,omitempty"`
	RoomCode    string            `json:"roomCode,omitempty"`
	Role        Role              `json:"role,omitempty"`
	ClientCount int               `json:"clientCount"`
	Error       string            `json:"error,omitempty"`
	Transports  map[string]Status `json:"transports"`
}

// Degraded reports a session where some but not all transports are ready.
func (s ConnectionState) Degraded() bool {
	ready := 0
	for _, st := range s.Transports {
		if st == StatusReady {
			ready++
		}
	}
	return ready > 0 && ready < len(s.Transports)
}

// Client is the session endpoint used by both hosts and remotes. StartHost,
// ConnectToHost and Stop must not be called concurrently; SendMessage, State
// and Messages are safe from any goroutine.
type Client struct {
	transports []Transport
	timeout    time.Duration
	attempts   int
	generate   func() string
	logger     zerolog.Logger
	inbox      chan Delivery

	mu      sync.RWMutex
	role    Role
	code    string
	status  map[string]Status
	lastErr string
	cancel  context.CancelFunc
	gen     int

	// handshakes tracks Open calls still running after the caller returned.
	handshakes sync.WaitGroup
}

type openResult struct {
	t   Transport
	err error
}

func NewClient(opts Options) *Client {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	gen := opts.GenerateCode
	if gen == nil {
		gen = roomcode.Generate
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	c := &Client{
		transports: opts.Transports,
		timeout:    timeout,
		attempts:   attempts,
		generate:   gen,
		logger:     logger.With().Str("component", "session").Logger(),
		inbox:      make(chan Delivery, size),
		status:     make(map[string]Status),
	}
	for _, t := range c.transports {
		c.status[t.Name()] = StatusIdle
	}
	return c
}

// Messages is the merged inbound queue of every transport. It stays open across
// sessions so a consumer can select on it for its whole lifetime.
func (c *Client) Messages() <-chan Delivery { return c.inbox }

// StartHost opens a new room and returns its code once any transport is ready
// and every direct transport has registered the host peer id or failed. A room
// code whose peer id is already taken is replaced transparently.
func (c *Client) StartHost(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		code := c.generate()
		err := c.open(ctx, RoleHost, code)
		if errors.Is(err, ErrIDTaken) {
			c.logger.Warn().Str("room_code", code).Int("attempt", attempt).Msg("peer id taken, regenerating room code")
			c.Stop()
			lastErr = err
			continue
		}
		return code, err
	}
	c.setError(lastErr)
	return "", fmt.Errorf("start host after %d attempts: %w", c.attempts, lastErr)
}

// ConnectToHost joins the room named by a human-typed code (case-insensitive).
func (c *Client) ConnectToHost(ctx context.Context, code string) error {
	normalized, err := roomcode.Normalize(code)
	if err != nil {
		c.setError(err)
		return err
	}
	return c.open(ctx, RoleRemote, normalized)
}

func (c *Client) open(ctx context.Context, role Role, code string) error {
	c.Stop()

	sessionCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.role = role
	c.code = code
	c.lastErr = ""
	c.cancel = cancel
	for _, t := range c.transports {
		c.status[t.Name()] = StatusConnecting
	}
	c.mu.Unlock()

	if len(c.transports) == 0 {
		c.setError(ErrNotConnected)
		return ErrNotConnected
	}

	connectCtx, connectCancel := context.WithTimeout(sessionCtx, c.timeout)
	stopCaller := context.AfterFunc(ctx, connectCancel)

	results := make(chan openResult, len(c.transports))
	for _, t := range c.transports {
		go func(t Transport) {
			results <- openResult{t: t, err: t.Open(connectCtx, role, code, c.deliverer(t.Name()))}
		}(t)
	}

	logger := c.logger.With().Str("room_code", code).Str("role", string(role)).Logger()
	// A host is not established until its direct transports have a verdict on
	// the peer id, so a taken code is regenerated even when the relay wins.
	verdicts := 0
	if role == RoleHost {
		for _, t := range c.transports {
			if t.Direct() {
				verdicts++
			}
		}
	}
	var (
		errs []error
		won  bool
	)
	for pending := len(c.transports); pending > 0; pending-- {
		var res openResult
		select {
		case res = <-results:
		case <-connectCtx.Done():
			stopCaller()
			connectCancel()
			if won && ctx.Err() == nil {
				logger.Warn().Msg("direct transport did not register in time")
				c.failPending(gen, ErrTimeout)
				discard(results, pending)
				return nil
			}
			err := ErrTimeout
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			logger.Warn().Err(err).Msg("no transport became ready")
			c.failPending(gen, err)
			discard(results, pending)
			if won {
				c.Stop()
				c.setError(err)
			}
			return err
		}

		c.record(gen, res, logger)
		if role == RoleHost && res.t.Direct() {
			verdicts--
		}
		if role == RoleHost && errors.Is(res.err, ErrIDTaken) {
			stopCaller()
			connectCancel()
			discard(results, pending-1)
			return res.err
		}
		if res.err == nil {
			won = true
		} else {
			errs = append(errs, fmt.Errorf("%s: %w", res.t.Name(), res.err))
		}
		if won && verdicts == 0 {
			stopCaller()
			c.handshakes.Add(1)
			go func(pending int) {
				defer c.handshakes.Done()
				defer connectCancel()
				for ; pending > 0; pending-- {
					c.record(gen, <-results, logger)
				}
			}(pending - 1)
			return nil
		}
	}

	stopCaller()
	connectCancel()
	err := errors.Join(errs...)
	c.setError(err)
	return err
}

// discard waits for cancelled handshakes so a transport is never opened twice
// at the same time. A handshake that completed anyway is closed again.
func discard(results <-chan openResult, pending int) {
	for ; pending > 0; pending-- {
		if res := <-results; res.err == nil {
			_ = res.t.Close()
		}
	}
}

func (c *Client) record(gen int, res openResult, logger zerolog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	name := res.t.Name()
	if res.err != nil {
		c.status[name] = StatusFailed
		c.lastErr = fmt.Sprintf("%s: %v", name, res.err)
		logger.Warn().Err(res.err).Str("transport", name).Msg("transport unavailable")
		return
	}
	c.status[name] = StatusReady
	logger.Info().Str("transport", name).Msg("transport ready")
}

func (c *Client) failPending(gen int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	for name, st := range c.status {
		if st == StatusConnecting {
			c.status[name] = StatusFailed
		}
	}
	c.lastErr = err.Error()
}

func (c *Client) deliverer(name string) Deliver {
	return func(msg protocol.ControlMessage) {
		select {
		case c.inbox <- Delivery{Message: msg, Transport: name, ReceivedAt: time.Now()}:
		default:
			c.logger.Warn().Str("transport", name).Str("type", string(msg.Type)).Msg("inbox full, dropping message")
		}
	}
}

// SendMessage publishes msg on every ready transport. It fails only when no
// transport accepted the message.
func (c *Client) SendMessage(ctx context.Context, msg protocol.ControlMessage) error {
	var (
		sent int
		errs []error
	)
	for _, t := range c.transports {
		if !t.Ready() {
			continue
		}
		if err := t.Send(ctx, msg); err != nil {
			c.logger.Debug().Err(err).Str("transport", t.Name()).Msg("send failed")
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		sent++
	}
	if sent > 0 {
		return nil
	}
	if len(errs) == 0 {
		return ErrNotConnected
	}
	return fmt.Errorf("%w: %w", ErrNotConnected, errors.Join(errs...))
}

// Stop ends the session: every transport is closed and the state resets to
// disconnected. Stop is safe to call repeatedly.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	active := c.code != ""
	c.cancel = nil
	c.gen++
	c.code = ""
	c.role = ""
	c.lastErr = ""
	for _, t := range c.transports {
		c.status[t.Name()] = StatusIdle
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.handshakes.Wait()
	for _, t := range c.transports {
		if err := t.Close(); err != nil {
			c.logger.Debug().Err(err).Str("transport", t.Name()).Msg("close transport")
		}
	}
	if active {
		c.logger.Info().Msg("session ended")
	}
}

// RoomCode is the code of the current session, empty when disconnected.
func (c *Client) RoomCode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.code
}

// State snapshots the connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := ConnectionState{
		RoomCode:   c.code,
		Role:       c.role,
		Error:      c.lastErr,
		Transports: make(map[string]Status, len(c.status)),
	}
	for k, v := range c.status {
		st.Transports[k] = v
	}
	for _, t := range c.transports {
		if c.status[t.Name()] == StatusReady && t.Ready() {
			st.IsConnected = true
		}
		if t.Direct() {
			st.ClientCount += t.Peers()
		}
		if id, ok := t.(interface{ LocalID() string }); ok && st.PeerID == "" {
			st.PeerID = id.LocalID()
		}
	}
	if st.PeerID == "" && c.role == RoleHost {
		st.PeerID = roomcode.PeerID(c.code)
	}
	return st
}

func (c *Client) setError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}
