// Package pacing computes per-frame scroll displacement for the prompter,
// either at a constant user speed or derived from timing markers.
package pacing

import (
	"math"
	"time"

	"teleprompter/pkg/markers"
)

const (
	// FrameMs is the nominal frame the user speed is expressed against.
	FrameMs = 16.67
	// FramesPerSecond converts smart pacing rates to per-frame speed.
	FramesPerSecond = 60.0

	MinSpeed = 0.5
	MaxSpeed = 20.0

	// Lookahead keeps the marker just passed from being picked again.
	Lookahead = 10.0
	// Overshoot makes the reader reach each cue slightly early.
	Overshoot = 1.1
	// EndTolerance is how close to the bottom forward playback stops.
	EndTolerance = 1.0
)

// Direction is the playback direction.
type Direction string

const (
	Forward Direction = "forward"
	Reverse Direction = "reverse"
)

func (d Direction) sign() float64 {
	if d == Reverse {
		return -1
	}
	return 1
}

// Settings are owned by the host controller and read by the engine each frame.
type Settings struct {
	ScrollSpeed    float64   `json:"scrollSpeed"`
	IsPlaying      bool      `json:"isPlaying"`
	UseSmartPacing bool      `json:"useSmartPacing"`
	Direction      Direction `json:"playbackDirection"`
}

// DefaultSettings are the settings of a fresh prompter.
func DefaultSettings() Settings {
	return Settings{ScrollSpeed: 2, Direction: Forward}
}

// ClampSpeed bounds a speed to the supported range.
func ClampSpeed(v float64) float64 {
	if math.IsNaN(v) {
		return MinSpeed
	}
	return math.Max(MinSpeed, math.Min(MaxSpeed, v))
}

// Viewport is the scrollable surface the engine drives.
type Viewport interface {
	ScrollTop() float64
	SetScrollTop(float64)
	ScrollHeight() float64
	ClientHeight() float64
}

// Result describes what a single frame did.
type Result struct {
	Moved       int
	TargetSpeed float64
	// Stopped is set on the frame that reached the end of the document.
	Stopped bool
}

// Engine advances a viewport frame by frame. It is not safe for concurrent
// use; the host controller owns it.
type Engine struct {
	viewport    Viewport
	markers     []markers.Marker
	accumulator float64
	lastFrame   time.Time
}

func NewEngine(v Viewport) *Engine {
	return &Engine{viewport: v}
}

// SetMarkers replaces the marker set; ms must be ordered by pixel position.
func (e *Engine) SetMarkers(ms []markers.Marker) {
	e.markers = ms
}

func (e *Engine) Markers() []markers.Marker { return e.markers }

func (e *Engine) Viewport() Viewport { return e.viewport }

// Remainder is the sub-pixel displacement not yet applied.
func (e *Engine) Remainder() float64 { return e.accumulator }

// Tick runs a frame for the timestamp now. The frame clock is tracked even
// while stopped, so resuming never produces a catch-up jump.
func (e *Engine) Tick(now time.Time, s Settings) Result {
	var delta float64
	if !e.lastFrame.IsZero() {
		delta = float64(now.Sub(e.lastFrame)) / float64(time.Millisecond)
	}
	e.lastFrame = now
	return e.Step(s, delta)
}

// Step advances the viewport by one frame of deltaMs milliseconds.
func (e *Engine) Step(s Settings, deltaMs float64) Result {
	if !s.IsPlaying || deltaMs <= 0 {
		return Result{}
	}

	target := s.ScrollSpeed
	if s.UseSmartPacing {
		target = TargetSpeed(e.markers, e.viewport.ScrollTop(), s.ScrollSpeed)
	}

	e.accumulator += target * (deltaMs / FrameMs) * s.Direction.sign()
	whole := math.Trunc(e.accumulator)
	e.accumulator -= whole

	top := e.viewport.ScrollTop()
	if whole != 0 {
		top = e.clamp(top + whole)
		e.viewport.SetScrollTop(top)
	}

	res := Result{Moved: int(whole), TargetSpeed: target}
	if s.Direction == Reverse {
		res.Stopped = top <= 0
	} else {
		res.Stopped = top >= e.maxScroll()-EndTolerance
	}
	return res
}

// Reset returns to the top of the document and drops any pending sub-pixel motion.
func (e *Engine) Reset() {
	e.accumulator = 0
	e.viewport.SetScrollTop(0)
}

func (e *Engine) maxScroll() float64 {
	return math.Max(0, e.viewport.ScrollHeight()-e.viewport.ClientHeight())
}

func (e *Engine) clamp(top float64) float64 {
	return math.Max(0, math.Min(e.maxScroll(), top))
}

// TargetSpeed derives a per-frame speed from the next unpassed marker and its
// predecessor (or the document start). It falls back to fallback when no
// marker lies ahead or the cue times do not increase.
func TargetSpeed(ms []markers.Marker, scrollTop, fallback float64) float64 {
	probe := scrollTop + Lookahead
	next := -1
	for i, m := range ms {
		if m.PixelPosition > probe {
			next = i
			break
		}
	}
	if next < 0 {
		return fallback
	}

	var prevPos, prevTime float64
	if next > 0 {
		prevPos = ms[next-1].PixelPosition
		prevTime = float64(ms[next-1].OffsetSeconds)
	}
	dt := float64(ms[next].OffsetSeconds) - prevTime
	if dt <= 0 {
		return fallback
	}
	pxPerSecond := (ms[next].PixelPosition - prevPos) / dt
	return pxPerSecond / FramesPerSecond * Overshoot
}
