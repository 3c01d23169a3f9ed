package host

import (
	"math"

	"teleprompter/pkg/markers"
	"teleprompter/pkg/pacing"
)

// Local controls. Each one is applied on the controller goroutine, exactly
// like the matching remote message.

func (c *Controller) SetPlaying(v bool) error {
	return c.do(func() { c.setPlaying(v) })
}

// TogglePlay flips playback and reports the new value.
func (c *Controller) TogglePlay() (bool, error) {
	var playing bool
	err := c.do(func() {
		c.setPlaying(!c.settings.IsPlaying)
		playing = c.settings.IsPlaying
	})
	return playing, err
}

func (c *Controller) SetSpeed(v float64) error {
	return c.do(func() { c.setSpeed(v) })
}

func (c *Controller) SetFontSize(v float64) error {
	if v <= 0 {
		return nil
	}
	return c.do(func() { c.setFontSize(v) })
}

func (c *Controller) SetDirection(d pacing.Direction) error {
	return c.do(func() { c.setDirection(d) })
}

func (c *Controller) SetSmartPacing(v bool) error {
	return c.do(func() {
		if c.settings.UseSmartPacing == v {
			return
		}
		c.settings.UseSmartPacing = v
		c.changed(true)
	})
}

// Reset scrolls to the top and pauses.
func (c *Controller) Reset() error {
	return c.do(c.reset)
}

// ScrollTo moves the viewport as a manual scroll would, clamped to the document.
func (c *Controller) ScrollTo(top float64) error {
	return c.do(func() {
		maxTop := math.Max(0, c.viewport.ScrollHeight()-c.viewport.ClientHeight())
		c.viewport.SetScrollTop(math.Max(0, math.Min(maxTop, top)))
		c.publish()
	})
}

// LoadScript replaces the script. Timestamp markers in it are wrapped and
// positioned against the current style.
func (c *Controller) LoadScript(doc string) error {
	return c.do(func() {
		if c.script == doc {
			return
		}
		c.script = doc
		c.relayout()
		c.changed(true)
	})
}

// SetStyle replaces the layout style; markers are repositioned only when a
// layout-affecting field changed.
func (c *Controller) SetStyle(style markers.Style) error {
	return c.do(func() {
		if style.FontSize <= 0 {
			style.FontSize = c.style.FontSize
		}
		if style == c.style {
			return
		}
		c.style = style
		c.relayout()
		c.changed(true)
	})
}
