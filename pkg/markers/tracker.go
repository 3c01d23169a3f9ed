package markers

import "strings"

// Tracker caches resolved markers and recomputes them only when the script or
// a layout-affecting style field changes.
type Tracker struct {
	doc     string
	style   Style
	primed  bool
	text    string
	layout  *TextLayout
	markers []Marker
}

// Update returns the markers for doc rendered with style, and whether they were
// recomputed.
func (t *Tracker) Update(doc string, style Style) ([]Marker, bool) {
	if t.primed && doc == t.doc && !layoutChanged(t.style, style) {
		return t.markers, false
	}
	wrapped := Wrap(doc)
	t.doc = doc
	t.style = style
	t.primed = true
	t.text = PlainText(wrapped)
	t.layout = NewTextLayout(t.text, style)
	t.markers = Resolve(Locate(wrapped), t.layout)
	return t.markers, true
}

// Markers returns the last resolved markers.
func (t *Tracker) Markers() []Marker { return t.markers }

// Layout returns the last computed layout, nil before the first Update.
func (t *Tracker) Layout() *TextLayout { return t.layout }

// Text returns the plain text of the last document.
func (t *Tracker) Text() string { return t.text }

func layoutChanged(a, b Style) bool {
	return a.FontSize != b.FontSize ||
		!strings.EqualFold(a.FontFamily, b.FontFamily) ||
		a.PaddingX != b.PaddingX ||
		a.ViewportWidth != b.ViewportWidth ||
		a.LineHeight != b.LineHeight
}
