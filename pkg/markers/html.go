package markers

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// MarkerClass is the class carried by wrapped cue spans.
const MarkerClass = "timestamp-marker"

var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "blockquote": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

var rawTextTags = map[string]bool{"script": true, "style": true, "textarea": true}

// Wrap replaces every cue in the text nodes of a rich-text document with an
// inert span carrying the cue's offset in a data-timestamp attribute. Markup,
// attribute values and already wrapped cues are left untouched, so Wrap is
// idempotent.
func Wrap(doc string) string {
	var b strings.Builder
	b.Grow(len(doc))

	z := html.NewTokenizer(strings.NewReader(doc))
	markerDepth := 0
	rawText := ""
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				return doc
			}
			return b.String()
		}
		raw := string(z.Raw())

		switch tt {
		case html.TextToken:
			if markerDepth > 0 || rawText != "" {
				b.WriteString(raw)
				continue
			}
			b.WriteString(cuePattern.ReplaceAllStringFunc(raw, wrapLabel))
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			switch {
			case markerDepth > 0 && tag == "span":
				markerDepth++
			case tag == "span" && hasAttr && isMarkerSpan(z):
				markerDepth = 1
			case rawTextTags[tag]:
				rawText = tag
			}
			b.WriteString(raw)
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if markerDepth > 0 && tag == "span" {
				markerDepth--
			}
			if tag == rawText {
				rawText = ""
			}
			b.WriteString(raw)
		default:
			b.WriteString(raw)
		}
	}
}

func wrapLabel(label string) string {
	secs, _ := ParseLabel(label)
	return fmt.Sprintf(`<span class="%s" contenteditable="false" data-timestamp="%d">%s</span>`,
		MarkerClass, secs, label)
}

// Locate returns the wrapped cues of a document in document order. Offsets are
// rune offsets into PlainText(doc).
func Locate(doc string) []Cue {
	_, cues := analyze(doc)
	return cues
}

// PlainText renders the text content of a document, with block elements and
// <br> producing line breaks.
func PlainText(doc string) string {
	text, _ := analyze(doc)
	return text
}

func analyze(doc string) (string, []Cue) {
	var (
		b           strings.Builder
		cues        []Cue
		runes       int
		markerDepth int
		rawText     string
	)
	newline := func() {
		if b.Len() == 0 || strings.HasSuffix(b.String(), "\n") {
			return
		}
		b.WriteByte('\n')
		runes++
	}

	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return b.String(), cues
		}
		switch tt {
		case html.TextToken:
			if rawText != "" {
				continue
			}
			text := string(z.Text())
			if markerDepth > 0 && len(cues) > 0 && cues[len(cues)-1].Label == "" {
				cues[len(cues)-1].Label = text
			}
			b.WriteString(text)
			runes += utf8.RuneCountInString(text)
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			switch {
			case tag == "br":
				b.WriteByte('\n')
				runes++
			case tt == html.SelfClosingTagToken:
				// <span/> and friends open nothing.
			case markerDepth > 0 && tag == "span":
				markerDepth++
			case tag == "span" && hasAttr:
				if secs, ok := markerSeconds(z); ok {
					markerDepth = 1
					cues = append(cues, Cue{Offset: runes, Seconds: secs})
				}
			case rawTextTags[tag]:
				rawText = tag
			case blockTags[tag]:
				newline()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case markerDepth > 0 && tag == "span":
				markerDepth--
			case tag == rawText:
				rawText = ""
			case blockTags[tag]:
				newline()
			}
		}
	}
}

func isMarkerSpan(z *html.Tokenizer) bool {
	_, ok := markerSeconds(z)
	return ok
}

// markerSeconds consumes the attributes of the current tag.
func markerSeconds(z *html.Tokenizer) (int, bool) {
	var (
		isMarker bool
		secs     = -1
	)
	for {
		key, val, more := z.TagAttr()
		switch string(key) {
		case "class":
			for _, c := range strings.Fields(string(val)) {
				if c == MarkerClass {
					isMarker = true
				}
			}
		case "data-timestamp":
			if n, err := strconv.Atoi(strings.TrimSpace(string(val))); err == nil {
				secs = n
			}
		}
		if !more {
			break
		}
	}
	return secs, isMarker && secs >= 0
}
