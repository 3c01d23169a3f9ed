// Package remote is the phone side of the prompter: it turns button presses
// into control messages and mirrors the host state when the host echoes it.
package remote

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"teleprompter/pkg/markers"
	"teleprompter/pkg/pacing"
	"teleprompter/pkg/protocol"
	"teleprompter/pkg/session"
)

// Session is the part of session.Client a remote uses.
type Session interface {
	ConnectToHost(ctx context.Context, code string) error
	SendMessage(ctx context.Context, msg protocol.ControlMessage) error
	Messages() <-chan session.Delivery
	State() session.ConnectionState
	Stop()
}

type Options struct {
	Session Session
	// OnState runs on the mirror goroutine for every STATE echo.
	OnState func(protocol.StatePayload)
	Logger  *zerolog.Logger
}

// Controller tracks the host state as last commanded or echoed. All values
// are sent as absolute assignments, so relative controls such as AdjustSpeed
// stay safe under duplicate delivery.
type Controller struct {
	session Session
	onState func(protocol.StatePayload)
	logger  zerolog.Logger

	mu       sync.Mutex
	state    protocol.StatePayload
	mirrored bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(opts Options) *Controller {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	p := pacing.DefaultSettings()
	return &Controller{
		session: opts.Session,
		onState: opts.OnState,
		logger:  logger.With().Str("component", "remote").Logger(),
		state: protocol.StatePayload{
			ScrollSpeed: p.ScrollSpeed,
			FontSize:    markers.DefaultStyle().FontSize,
			Direction:   protocol.Forward,
		},
	}
}

// Connect joins the room named by code and starts mirroring host echoes.
func (c *Controller) Connect(ctx context.Context, code string) error {
	c.stopMirror()
	if err := c.session.ConnectToHost(ctx, code); err != nil {
		return err
	}

	mirrorCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.mu.Unlock()
	go c.mirror(mirrorCtx, done)

	c.logger.Info().Str("room_code", c.session.State().RoomCode).Msg("connected to host")
	return nil
}

// Disconnect leaves the room. The last known state is kept.
func (c *Controller) Disconnect() {
	c.stopMirror()
	c.session.Stop()
}

func (c *Controller) stopMirror() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) mirror(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-c.session.Messages():
			if d.Message.Type != protocol.StateType {
				continue
			}
			st, err := d.Message.State()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ignoring malformed state echo")
				continue
			}
			c.mu.Lock()
			c.state = st
			c.mirrored = true
			c.mu.Unlock()
			if c.onState != nil {
				c.onState(st)
			}
		}
	}
}

// State is the host state as this remote knows it. Mirrored reports whether
// it came from a host echo rather than local bookkeeping.
func (c *Controller) State() (st protocol.StatePayload, mirrored bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.mirrored
}

// Connection reports the session state.
func (c *Controller) Connection() session.ConnectionState {
	return c.session.State()
}

func (c *Controller) send(ctx context.Context, msg protocol.ControlMessage, update func(*protocol.StatePayload)) error {
	if err := c.session.SendMessage(ctx, msg); err != nil {
		return err
	}
	c.mu.Lock()
	update(&c.state)
	c.mu.Unlock()
	return nil
}

func (c *Controller) Play(ctx context.Context) error { return c.setPlaying(ctx, true) }

func (c *Controller) Pause(ctx context.Context) error { return c.setPlaying(ctx, false) }

// TogglePlay sends the opposite of the last known playback state.
func (c *Controller) TogglePlay(ctx context.Context) error {
	c.mu.Lock()
	playing := c.state.IsPlaying
	c.mu.Unlock()
	return c.setPlaying(ctx, !playing)
}

func (c *Controller) setPlaying(ctx context.Context, v bool) error {
	return c.send(ctx, protocol.SetPlaying(v), func(s *protocol.StatePayload) { s.IsPlaying = v })
}

// SetSpeed sends v clamped to the supported range.
func (c *Controller) SetSpeed(ctx context.Context, v float64) error {
	v = pacing.ClampSpeed(v)
	return c.send(ctx, protocol.SetSpeed(v), func(s *protocol.StatePayload) { s.ScrollSpeed = v })
}

// AdjustSpeed sends the last known speed plus delta.
func (c *Controller) AdjustSpeed(ctx context.Context, delta float64) error {
	c.mu.Lock()
	v := c.state.ScrollSpeed + delta
	c.mu.Unlock()
	return c.SetSpeed(ctx, v)
}

func (c *Controller) SetFontSize(ctx context.Context, v float64) error {
	return c.send(ctx, protocol.SetFontSize(v), func(s *protocol.StatePayload) { s.FontSize = v })
}

func (c *Controller) SetDirection(ctx context.Context, d protocol.Direction) error {
	return c.send(ctx, protocol.SetDirection(d), func(s *protocol.StatePayload) { s.Direction = d })
}

// Reset asks the host to return to the top; the host also pauses.
func (c *Controller) Reset(ctx context.Context) error {
	return c.send(ctx, protocol.ResetScroll(), func(s *protocol.StatePayload) {
		s.IsPlaying = false
		s.ScrollTop = 0
	})
}
