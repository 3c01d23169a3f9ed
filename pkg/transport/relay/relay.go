// Package relay implements the relayed broadcast transport on top of a
// pub/sub channel named after the room code. Three backends are provided: the
// project's own WebSocket relay server, Redis pub/sub and NATS.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"teleprompter/pkg/protocol"
	"teleprompter/pkg/session"
)

// DefaultName is the transport name reported to the session.
const DefaultName = "relay"

var errAlreadyOpen = errors.New("relay: already open")

// endpoint is the per-session identity shared by every backend. Pub/sub
// services echo a publish back to its sender, so frames carry the sender id.
type endpoint struct {
	sender  string
	channel string
	deliver session.Deliver
}

func newEndpoint(channel string, deliver session.Deliver) endpoint {
	return endpoint{sender: uuid.NewString(), channel: channel, deliver: deliver}
}

func (e endpoint) encode(frameType string, msg protocol.ControlMessage) ([]byte, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(protocol.RelayFrame{
		Type:    frameType,
		Channel: e.channel,
		Sender:  e.sender,
		Data:    data,
	})
}

// handle decodes an inbound frame and delivers it unless it is our own echo
// or not a control message.
func (e endpoint) handle(raw []byte, logger zerolog.Logger) {
	var frame protocol.RelayFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		logger.Debug().Err(err).Msg("bad relay frame")
		return
	}
	if frame.Type != protocol.RelayMessage || frame.Sender == e.sender || len(frame.Data) == 0 {
		return
	}
	msg, err := protocol.Decode(frame.Data)
	if err != nil {
		logger.Debug().Err(err).Str("sender", frame.Sender).Msg("bad control message")
		return
	}
	if e.deliver != nil {
		e.deliver(msg)
	}
}

func wrapOpen(backend string, err error) error {
	return fmt.Errorf("%s relay: %w", backend, err)
}
