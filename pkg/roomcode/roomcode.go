// Package roomcode generates and validates the short codes that name a
// host/remote rendezvous, and derives the transport identifiers from them.
package roomcode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Alphabet excludes 0, O, 1 and I so codes can be read aloud.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length is the number of symbols in a room code.
const Length = 4

const (
	peerPrefix  = "teleprompter"
	relayPrefix = "teleprompter-relay"
)

// ErrInvalid is returned when a code does not match the room code alphabet.
var ErrInvalid = errors.New("invalid room code")

// Generate returns a random room code. len(Alphabet) divides 256, so masking a
// random byte keeps the distribution uniform.
func Generate() string {
	b := make([]byte, Length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("roomcode: crypto/rand: %v", err))
	}
	out := make([]byte, Length)
	for i, v := range b {
		out[i] = Alphabet[int(v)%len(Alphabet)]
	}
	return string(out)
}

// Normalize trims and upper-cases a human-typed code and validates it.
func Normalize(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != Length {
		return "", fmt.Errorf("%w: %q", ErrInvalid, code)
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return "", fmt.Errorf("%w: %q", ErrInvalid, code)
		}
	}
	return code, nil
}

// Valid reports whether code is already in normalized form.
func Valid(code string) bool {
	n, err := Normalize(code)
	return err == nil && n == code
}

// PeerID is the broker id the host registers for the direct transport.
func PeerID(code string) string {
	return peerPrefix + "-" + code
}

// RelayChannel is the pub/sub channel name for the relayed transport.
func RelayChannel(code string) string {
	return relayPrefix + "-" + code
}

// FromRelayChannel extracts the room code from a relay channel name.
func FromRelayChannel(channel string) (string, error) {
	code, ok := strings.CutPrefix(channel, relayPrefix+"-")
	if !ok {
		return "", fmt.Errorf("%w: channel %q", ErrInvalid, channel)
	}
	return Normalize(code)
}

// DiscoveryURL builds the link a remote device opens, e.g. http://10.0.0.5:8080/?remote=K7M2.
func DiscoveryURL(origin, code string) string {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	return origin + "/?remote=" + url.QueryEscape(code)
}
