// Package session carries control messages between a prompter host and its
// remotes over two independent transports: a relayed broadcast channel and a
// direct peer channel. Both are used at once and neither deduplicates, so
// consumers must apply messages with assignment semantics.
package session

import (
	"context"
	"errors"
	"time"

	"teleprompter/pkg/protocol"
)

// Role is the side of the session a client plays.
type Role string

const (
	RoleHost   Role = "host"
	RoleRemote Role = "remote"
)

var (
	// ErrIDTaken is returned by a direct transport when the host peer id is
	// already registered; the host retries with a fresh room code.
	ErrIDTaken = errors.New("peer id already taken")
	// ErrNotConnected is returned when no transport could take a message.
	ErrNotConnected = errors.New("no transport connected")
	// ErrTimeout is returned when no transport became ready in time.
	ErrTimeout = errors.New("connection timed out")
	// ErrClosed is returned by a transport used after Close.
	ErrClosed = errors.New("transport closed")
)

// Deliver hands an inbound message to the session. Implementations must not block.
type Deliver func(protocol.ControlMessage)

// Transport is one message path between host and remotes.
type Transport interface {
	Name() string
	// Direct reports whether Peers counts attached remote connections.
	Direct() bool
	// Open blocks until the transport is ready or ctx is done. ctx bounds the
	// handshake only; a ready transport keeps running until Close.
	Open(ctx context.Context, role Role, code string, deliver Deliver) error
	Send(ctx context.Context, msg protocol.ControlMessage) error
	Ready() bool
	Peers() int
	Close() error
}

// Delivery is an inbound message tagged with the transport that carried it.
type Delivery struct {
	Message    protocol.ControlMessage
	Transport  string
	ReceivedAt time.Time
}

// Status is the lifecycle of a single transport within a session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)
