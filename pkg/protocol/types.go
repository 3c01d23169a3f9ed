package protocol

import "encoding/json"

// ICEServer describes STUN/TURN servers advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Broker frame types exchanged on the peer broker socket.
const (
	BrokerRegister   = "register"
	BrokerRegistered = "registered"
	BrokerIDTaken    = "id-taken"
	BrokerSignal     = "signal"
	BrokerPeerLeft   = "peer-left"
	BrokerError      = "error"
)

// BrokerMessage is the single frame shape used by the peer broker in both directions.
type BrokerMessage struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	ICEServers []ICEServer     `json:"iceServers,omitempty"`
}

// SignalKind discriminates the payload carried in BrokerMessage.Data.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal carries peer-to-peer WebRTC signaling data.
type Signal struct {
	Kind      SignalKind      `json:"kind"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Relay frame types exchanged on the relay socket.
const (
	RelayPublish = "publish"
	RelayMessage = "message"
	RelayReady   = "ready"
)

// RelayFrame wraps a published payload with the sender id so subscribers can drop their own echoes.
type RelayFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
