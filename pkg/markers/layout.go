package markers

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Layout positions rune offsets of the plain text in rendered pixels.
type Layout interface {
	Position(offset int) float64
	Height() float64
}

// Style holds the settings that change where text lands on screen.
type Style struct {
	FontSize      float64
	FontFamily    string
	PaddingX      float64
	ViewportWidth float64
	// LineHeight is a multiple of FontSize. Zero means 1.5.
	LineHeight float64
}

// DefaultStyle mirrors the prompter's initial settings.
func DefaultStyle() Style {
	return Style{
		FontSize:      48,
		FontFamily:    "sans-serif",
		PaddingX:      64,
		ViewportWidth: 1280,
		LineHeight:    1.5,
	}
}

var familyWidth = map[string]float64{
	"monospace":  0.60,
	"serif":      0.50,
	"sans-serif": 0.52,
}

// CharWidth approximates the average glyph advance for the style's font.
func (s Style) CharWidth() float64 {
	f, ok := familyWidth[strings.ToLower(strings.TrimSpace(s.FontFamily))]
	if !ok {
		f = 0.55
	}
	return s.FontSize * f
}

// LinePixels is the height of one rendered line.
func (s Style) LinePixels() float64 {
	lh := s.LineHeight
	if lh <= 0 {
		lh = 1.5
	}
	return s.FontSize * lh
}

// CharsPerLine is the wrap width in characters, at least one.
func (s Style) CharsPerLine() int {
	usable := s.ViewportWidth - 2*s.PaddingX
	cw := s.CharWidth()
	if cw <= 0 || usable <= cw {
		return 1
	}
	return int(math.Floor(usable / cw))
}

// TextLayout greedily word-wraps plain text at a fixed character width.
type TextLayout struct {
	lineStarts []int
	linePx     float64
}

// NewTextLayout lays out text using style.
func NewTextLayout(text string, style Style) *TextLayout {
	cpl := style.CharsPerLine()
	l := &TextLayout{lineStarts: []int{0}, linePx: style.LinePixels()}

	runes := []rune(text)
	col := 0
	for i := 0; i < len(runes); {
		r := runes[i]
		if r == '\n' {
			l.lineStarts = append(l.lineStarts, i+1)
			col = 0
			i++
			continue
		}
		if unicode.IsSpace(r) {
			if col >= cpl {
				l.lineStarts = append(l.lineStarts, i)
				col = 0
			}
			col++
			i++
			continue
		}
		end := i
		for end < len(runes) && !unicode.IsSpace(runes[end]) {
			end++
		}
		word := end - i
		if col > 0 && col+word > cpl {
			l.lineStarts = append(l.lineStarts, i)
			col = 0
		}
		for word > cpl-col && word > 0 {
			// hard break inside a word longer than the line
			take := cpl - col
			i += take
			word -= take
			l.lineStarts = append(l.lineStarts, i)
			col = 0
		}
		col += word
		i = end
	}
	return l
}

// Line returns the zero-based line holding offset.
func (l *TextLayout) Line(offset int) int {
	return sort.Search(len(l.lineStarts), func(i int) bool {
		return l.lineStarts[i] > offset
	}) - 1
}

// Position is the top pixel of the line holding offset.
func (l *TextLayout) Position(offset int) float64 {
	if offset < 0 {
		offset = 0
	}
	return float64(l.Line(offset)) * l.linePx
}

// Lines is the number of rendered lines.
func (l *TextLayout) Lines() int {
	return len(l.lineStarts)
}

func (l *TextLayout) Height() float64 {
	return float64(len(l.lineStarts)) * l.linePx
}

// Resolve positions cues and orders them by rendered position. Cues are never
// sorted by their timestamp, so out-of-order authoring is tolerated.
func Resolve(cues []Cue, layout Layout) []Marker {
	out := make([]Marker, 0, len(cues))
	for _, c := range cues {
		out = append(out, Marker{
			OffsetSeconds: c.Seconds,
			PixelPosition: layout.Position(c.Offset),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PixelPosition < out[j].PixelPosition
	})
	return out
}
