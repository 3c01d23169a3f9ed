// Package host binds a prompter session to the pacing engine. One goroutine
// owns the pacing settings, the viewport and the marker set; remote messages,
// local controls and frame ticks are all serialized through it.
package host

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"teleprompter/internal/discovery"
	"teleprompter/internal/settings"
	"teleprompter/pkg/markers"
	"teleprompter/pkg/pacing"
	"teleprompter/pkg/protocol"
	"teleprompter/pkg/session"
)

const (
	defaultViewportHeight = 720
	defaultSaveDelay      = 500 * time.Millisecond
	saveTimeout           = 5 * time.Second
	echoTimeout           = 2 * time.Second
)

var (
	// ErrNotRunning is returned by controls used before Start or after Close.
	ErrNotRunning = errors.New("host controller not running")
	// ErrNoSession is returned by StartSession when no session client is configured.
	ErrNoSession = errors.New("no session configured")
)

// Session is the part of session.Client the controller drives.
type Session interface {
	StartHost(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, msg protocol.ControlMessage) error
	Messages() <-chan session.Delivery
	State() session.ConnectionState
	Stop()
}

// Options configures a Controller.
type Options struct {
	// Session is optional; without it the prompter only takes local controls.
	Session  Session
	Settings settings.Store
	Clock    clockwork.Clock
	// FrameInterval is the frame loop period, pacing.DefaultInterval if zero.
	FrameInterval  time.Duration
	ViewportHeight float64
	Style          markers.Style
	// Origin is the public origin used in the discovery URL.
	Origin string
	QRSize int
	// AdvertisePort enables mDNS advertisement of a started session.
	AdvertisePort int
	// EchoState sends a STATE message to remotes whenever settings change.
	EchoState bool
	SaveDelay time.Duration
	// OnAutoStop runs on its own goroutine each time playback reaches the end.
	OnAutoStop func()
	Logger     *zerolog.Logger
}

// State is a snapshot of the prompter.
type State struct {
	Settings     pacing.Settings  `json:"settings"`
	Style        markers.Style    `json:"style"`
	Script       string           `json:"script"`
	ScrollTop    float64          `json:"scrollTop"`
	ScrollHeight float64          `json:"scrollHeight"`
	ClientHeight float64          `json:"clientHeight"`
	Markers      []markers.Marker `json:"markers"`
	TargetSpeed  float64          `json:"targetSpeed"`
	// AutoStopped is set when playback last ended at the end of the document.
	AutoStopped bool `json:"autoStopped"`
	Animating   bool `json:"animating"`
}

// Controller is the host side of the prompter.
type Controller struct {
	opts    Options
	clock   clockwork.Clock
	logger  zerolog.Logger
	session Session
	store   settings.Store

	cmds chan func()
	echo chan protocol.StatePayload

	// owned by the run goroutine
	loop        *pacing.Loop
	engine      *pacing.Engine
	viewport    *pacing.MemoryViewport
	tracker     markers.Tracker
	settings    pacing.Settings
	style       markers.Style
	script      string
	target      float64
	autoStopped bool
	saveTimer   clockwork.Timer
	runCtx      context.Context

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopped  chan struct{}
	snapshot State

	sessMu     sync.Mutex
	invite     *discovery.Invite
	advertiser *discovery.Advertiser
}

func New(opts Options) *Controller {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = defaultViewportHeight
	}
	if opts.Style == (markers.Style{}) {
		opts.Style = markers.DefaultStyle()
	}
	if opts.SaveDelay <= 0 {
		opts.SaveDelay = defaultSaveDelay
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	viewport := &pacing.MemoryViewport{Client: opts.ViewportHeight}
	c := &Controller{
		opts:     opts,
		clock:    clock,
		logger:   logger.With().Str("component", "host").Logger(),
		session:  opts.Session,
		store:    opts.Settings,
		cmds:     make(chan func()),
		echo:     make(chan protocol.StatePayload, 1),
		loop:     pacing.NewLoop(clock, opts.FrameInterval),
		engine:   pacing.NewEngine(viewport),
		viewport: viewport,
		settings: pacing.DefaultSettings(),
		style:    opts.Style,
	}
	c.relayout()
	c.publish()
	return c
}

// Start loads persisted settings and launches the controller goroutine.
// Start and Close must not be called concurrently.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		return nil
	}

	if c.store != nil {
		saved, err := c.store.Load(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("load settings, using defaults")
			saved = settings.Defaults()
		}
		c.restore(saved)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.running = true
	go c.run(runCtx, c.stopped)
	if c.opts.EchoState && c.session != nil {
		go c.echoLoop(runCtx)
	}
	return nil
}

// Close ends the session, stops the controller and flushes pending settings.
func (c *Controller) Close() error {
	c.EndSession()

	c.mu.Lock()
	cancel, stopped, running := c.cancel, c.stopped, c.running
	c.running = false
	c.mu.Unlock()
	if !running {
		return nil
	}
	cancel()
	<-stopped
	return nil
}

func (c *Controller) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	defer c.shutdown()

	var inbox <-chan session.Delivery
	if c.session != nil {
		inbox = c.session.Messages()
	}
	for {
		var saveC <-chan time.Time
		if c.saveTimer != nil {
			saveC = c.saveTimer.Chan()
		}

		select {
		case <-ctx.Done():
			return
		case d := <-inbox:
			c.logger.Debug().Str("transport", d.Transport).Str("type", string(d.Message.Type)).Msg("control message")
			c.apply(d.Message)
		case fn := <-c.cmds:
			fn()
		case now := <-c.loop.C():
			c.frame(now)
		case <-saveC:
			c.saveTimer = nil
			c.save()
		}
	}
}

func (c *Controller) shutdown() {
	c.loop.Stop()
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
		c.save()
	}
	c.settings.IsPlaying = false
	c.publish()
}

// do runs fn on the controller goroutine and waits for it.
func (c *Controller) do(fn func()) error {
	c.mu.Lock()
	running, stopped := c.running, c.stopped
	c.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	finished := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(finished) }:
	case <-stopped:
		return ErrNotRunning
	}
	select {
	case <-finished:
		return nil
	case <-stopped:
		return ErrNotRunning
	}
}

// Apply handles a control message as if it had arrived from a remote.
func (c *Controller) Apply(msg protocol.ControlMessage) error {
	return c.do(func() { c.apply(msg) })
}

// apply assigns the message's value; applying a message twice is the same
// as applying it once.
func (c *Controller) apply(msg protocol.ControlMessage) {
	logger := c.logger.With().Str("type", string(msg.Type)).Logger()
	switch msg.Type {
	case protocol.SetPlayingType:
		v, err := msg.Bool()
		if err != nil {
			logger.Debug().Err(err).Msg("ignoring malformed message")
			return
		}
		c.setPlaying(v)
	case protocol.SetSpeedType:
		v, err := msg.Number()
		if err != nil {
			logger.Debug().Err(err).Msg("ignoring malformed message")
			return
		}
		c.setSpeed(v)
	case protocol.SetFontSizeType:
		v, err := msg.Number()
		if err != nil || v <= 0 {
			logger.Debug().Err(err).Float64("font_size", v).Msg("ignoring malformed message")
			return
		}
		c.setFontSize(v)
	case protocol.SetDirectionType:
		d, err := msg.Direction()
		if err != nil {
			logger.Debug().Err(err).Msg("ignoring malformed message")
			return
		}
		c.setDirection(pacing.Direction(d))
	case protocol.ResetScrollType:
		c.reset()
	case protocol.StateType:
		// Echoes from another host on the relay channel.
	default:
		logger.Debug().Msg("ignoring unknown message type")
	}
}

func (c *Controller) setPlaying(v bool) {
	if c.settings.IsPlaying == v {
		return
	}
	c.settings.IsPlaying = v
	if v {
		c.autoStopped = false
	}
	c.changed(false)
}

func (c *Controller) setSpeed(v float64) {
	v = pacing.ClampSpeed(v)
	if c.settings.ScrollSpeed == v {
		return
	}
	c.settings.ScrollSpeed = v
	c.changed(true)
}

func (c *Controller) setFontSize(v float64) {
	if c.style.FontSize == v {
		return
	}
	c.style.FontSize = v
	c.relayout()
	c.changed(true)
}

func (c *Controller) setDirection(d pacing.Direction) {
	if d != pacing.Reverse {
		d = pacing.Forward
	}
	if c.settings.Direction == d {
		return
	}
	c.settings.Direction = d
	c.changed(true)
}

// reset returns to the top and pauses, whatever the playback direction.
func (c *Controller) reset() {
	c.engine.Reset()
	c.settings.IsPlaying = false
	c.autoStopped = false
	c.changed(false)
}

// changed runs after every settings mutation.
func (c *Controller) changed(persist bool) {
	c.syncLoop()
	c.publish()
	c.echoState()
	if persist {
		c.scheduleSave()
	}
}

// syncLoop keeps the frame loop alive exactly while playing.
func (c *Controller) syncLoop() {
	if c.settings.IsPlaying {
		if !c.loop.Running() {
			// Prime the frame clock so the first frame does not cover the pause.
			c.engine.Tick(c.clock.Now(), pacing.Settings{})
			c.loop.Start(c.runCtx)
		}
		return
	}
	if c.loop.Running() {
		c.loop.Stop()
		select {
		case <-c.loop.C():
		default:
		}
	}
}

func (c *Controller) frame(now time.Time) {
	res := c.engine.Tick(now, c.settings)
	c.target = res.TargetSpeed
	if res.Stopped && c.settings.IsPlaying {
		c.settings.IsPlaying = false
		c.autoStopped = true
		c.logger.Info().Float64("scroll_top", c.viewport.ScrollTop()).Str("direction", string(c.settings.Direction)).Msg("playback reached the end")
		if cb := c.opts.OnAutoStop; cb != nil {
			go cb()
		}
		c.changed(false)
		return
	}
	c.publish()
}

func (c *Controller) relayout() {
	ms, recomputed := c.tracker.Update(c.script, c.style)
	if !recomputed {
		return
	}
	c.engine.SetMarkers(ms)
	c.viewport.Content = c.tracker.Layout().Height()
	maxTop := math.Max(0, c.viewport.Content-c.viewport.Client)
	if c.viewport.Top > maxTop {
		c.viewport.Top = maxTop
	}
}

func (c *Controller) restore(s settings.Settings) {
	c.settings.ScrollSpeed = pacing.ClampSpeed(s.ScrollSpeed)
	c.settings.UseSmartPacing = s.UseSmartPacing
	c.settings.Direction = s.Direction
	c.settings.IsPlaying = false
	if s.FontSize > 0 {
		c.style.FontSize = s.FontSize
	}
	if s.FontFamily != "" {
		c.style.FontFamily = s.FontFamily
	}
	c.script = s.Script
	c.relayout()
	c.publish()
}

func (c *Controller) persisted() settings.Settings {
	return settings.Settings{
		ScrollSpeed:    c.settings.ScrollSpeed,
		FontSize:       c.style.FontSize,
		FontFamily:     c.style.FontFamily,
		UseSmartPacing: c.settings.UseSmartPacing,
		Direction:      c.settings.Direction,
		Script:         c.script,
	}
}

func (c *Controller) scheduleSave() {
	if c.store == nil {
		return
	}
	if c.saveTimer == nil {
		c.saveTimer = c.clock.NewTimer(c.opts.SaveDelay)
		return
	}
	c.saveTimer.Reset(c.opts.SaveDelay)
}

func (c *Controller) save() {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := c.store.Save(ctx, c.persisted()); err != nil {
		c.logger.Error().Err(err).Msg("save settings")
	}
}

func (c *Controller) publish() {
	st := State{
		Settings:     c.settings,
		Style:        c.style,
		Script:       c.script,
		ScrollTop:    c.viewport.ScrollTop(),
		ScrollHeight: c.viewport.ScrollHeight(),
		ClientHeight: c.viewport.ClientHeight(),
		Markers:      c.engine.Markers(),
		TargetSpeed:  c.target,
		AutoStopped:  c.autoStopped,
		Animating:    c.loop.Running(),
	}
	c.mu.Lock()
	c.snapshot = st
	c.mu.Unlock()
}

// Snapshot returns the state as of the last processed event.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

func (c *Controller) statePayload() protocol.StatePayload {
	return protocol.StatePayload{
		IsPlaying:      c.settings.IsPlaying,
		ScrollSpeed:    c.settings.ScrollSpeed,
		FontSize:       c.style.FontSize,
		Direction:      protocol.Direction(c.settings.Direction),
		UseSmartPacing: c.settings.UseSmartPacing,
		ScrollTop:      c.viewport.ScrollTop(),
	}
}

// echoState queues the latest state for remotes, replacing an unsent one.
func (c *Controller) echoState() {
	if !c.opts.EchoState || c.session == nil {
		return
	}
	p := c.statePayload()
	select {
	case <-c.echo:
	default:
	}
	c.echo <- p
}

func (c *Controller) echoLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.echo:
			if c.session.State().RoomCode == "" {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, echoTimeout)
			if err := c.session.SendMessage(sendCtx, protocol.State(p)); err != nil {
				c.logger.Debug().Err(err).Msg("state echo not sent")
			}
			cancel()
		}
	}
}
