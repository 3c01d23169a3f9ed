package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType is the closed set of remote-control commands.
type MessageType string

const (
	SetPlayingType   MessageType = "SET_PLAYING"
	SetSpeedType     MessageType = "SET_SPEED"
	SetFontSizeType  MessageType = "SET_FONT_SIZE"
	SetDirectionType MessageType = "SET_DIRECTION"
	ResetScrollType  MessageType = "RESET_SCROLL"

	// StateType is the optional host-to-remote echo of the pacing settings.
	StateType MessageType = "STATE"
)

// Direction is the playback direction carried by SET_DIRECTION.
type Direction string

const (
	Forward Direction = "forward"
	Reverse Direction = "reverse"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == Forward || d == Reverse
}

// ErrPayload is returned by the typed accessors when the payload has the wrong shape.
var ErrPayload = errors.New("unexpected control payload")

// ControlMessage is an immutable remote-control command. Timestamp is the sender's
// clock in epoch milliseconds and is informational only.
type ControlMessage struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// StatePayload mirrors the host's pacing settings for remotes.
type StatePayload struct {
	IsPlaying      bool      `json:"isPlaying"`
	ScrollSpeed    float64   `json:"scrollSpeed"`
	FontSize       float64   `json:"fontSize"`
	Direction      Direction `json:"direction"`
	UseSmartPacing bool      `json:"useSmartPacing"`
	ScrollTop      float64   `json:"scrollTop"`
}

func newMessage(t MessageType, payload interface{}) ControlMessage {
	raw, _ := json.Marshal(payload)
	return ControlMessage{
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}
}

func SetPlaying(playing bool) ControlMessage { return newMessage(SetPlayingType, playing) }

func SetSpeed(speed float64) ControlMessage { return newMessage(SetSpeedType, speed) }

func SetFontSize(size float64) ControlMessage { return newMessage(SetFontSizeType, size) }

func SetDirection(d Direction) ControlMessage { return newMessage(SetDirectionType, d) }

// ResetScroll carries a true payload to match the browser remote's wire shape.
func ResetScroll() ControlMessage { return newMessage(ResetScrollType, true) }

func State(s StatePayload) ControlMessage { return newMessage(StateType, s) }

// Bool decodes a boolean payload.
func (m ControlMessage) Bool() (bool, error) {
	var v bool
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return false, fmt.Errorf("%w: %s wants boolean: %v", ErrPayload, m.Type, err)
	}
	return v, nil
}

// Number decodes a numeric payload.
func (m ControlMessage) Number() (float64, error) {
	var v float64
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return 0, fmt.Errorf("%w: %s wants number: %v", ErrPayload, m.Type, err)
	}
	return v, nil
}

// Direction decodes a direction payload.
func (m ControlMessage) Direction() (Direction, error) {
	var v Direction
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return "", fmt.Errorf("%w: %s wants direction: %v", ErrPayload, m.Type, err)
	}
	if !v.Valid() {
		return "", fmt.Errorf("%w: unknown direction %q", ErrPayload, v)
	}
	return v, nil
}

// State decodes a STATE payload.
func (m ControlMessage) State() (StatePayload, error) {
	var v StatePayload
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrPayload, m.Type, err)
	}
	return v, nil
}

// Encode serializes the message for a transport.
func Encode(m ControlMessage) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a transport frame. Unknown message types decode without error so
// consumers can ignore them.
func Decode(data []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	if m.Type == "" {
		return m, fmt.Errorf("%w: missing type", ErrPayload)
	}
	return m, nil
}
