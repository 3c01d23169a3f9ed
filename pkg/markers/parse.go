// Package markers finds [m:ss] timing cues in script text and maps them to
// rendered pixel positions.
package markers

import (
	"regexp"
	"strconv"
	"unicode/utf8"
)

var cuePattern = regexp.MustCompile(`\[(\d{1,2}):(\d{2})\]`)

// Cue is a timing marker found in text. Offset counts runes from the start of
// the plain text, which is what a Layout positions.
type Cue struct {
	Offset  int
	Label   string
	Seconds int
}

// Marker is a cue resolved against a layout.
type Marker struct {
	OffsetSeconds int
	PixelPosition float64
}

// Parse returns every cue in text in document order.
func Parse(text string) []Cue {
	matches := cuePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}
	cues := make([]Cue, 0, len(matches))
	runeOffset, last := 0, 0
	for _, m := range matches {
		runeOffset += utf8.RuneCountInString(text[last:m[0]])
		last = m[0]
		cues = append(cues, Cue{
			Offset:  runeOffset,
			Label:   text[m[0]:m[1]],
			Seconds: seconds(text[m[2]:m[3]], text[m[4]:m[5]]),
		})
	}
	return cues
}

// ParseLabel converts a single "[mm:ss]" label to seconds.
func ParseLabel(label string) (int, bool) {
	m := cuePattern.FindStringSubmatch(label)
	if m == nil || len(m[0]) != len(label) {
		return 0, false
	}
	return seconds(m[1], m[2]), true
}

func seconds(min, sec string) int {
	mm, _ := strconv.Atoi(min)
	ss, _ := strconv.Atoi(sec)
	return mm*60 + ss
}
