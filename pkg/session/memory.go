package session

import (
	"context"
	"sync"
	"time"

	"teleprompter/pkg/protocol"
)

// MemoryBus connects MemoryTransports inside one process. Transports with the
// same name share a namespace, so a "relay" and a "direct" transport never see
// each other's traffic.
type MemoryBus struct {
	mu    sync.Mutex
	rooms map[string]map[*MemoryTransport]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{rooms: make(map[string]map[*MemoryTransport]struct{})}
}

// Transport creates a transport attached to the bus.
func (b *MemoryBus) Transport(name string, direct bool) *MemoryTransport {
	return &MemoryTransport{bus: b, name: name, direct: direct}
}

func (b *MemoryBus) join(t *MemoryTransport) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.rooms[t.key]
	if members == nil {
		members = make(map[*MemoryTransport]struct{})
		b.rooms[t.key] = members
	}
	if t.direct && t.role == RoleHost {
		for m := range members {
			if m.role == RoleHost {
				return ErrIDTaken
			}
		}
	}
	members[t] = struct{}{}
	return nil
}

func (b *MemoryBus) leave(t *MemoryTransport, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if members, ok := b.rooms[key]; ok {
		delete(members, t)
		if len(members) == 0 {
			delete(b.rooms, key)
		}
	}
}

// targets returns the members a message from t reaches. Direct transports model
// a star around the host; relay transports broadcast.
func (b *MemoryBus) targets(t *MemoryTransport) []*MemoryTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*MemoryTransport
	for m := range b.rooms[t.key] {
		if m == t {
			continue
		}
		if t.direct && m.role == t.role {
			continue
		}
		out = append(out, m)
	}
	return out
}

// MemoryTransport is an in-process Transport. OpenErr and OpenDelay let tests
// model an unreachable or slow path.
type MemoryTransport struct {
	bus    *MemoryBus
	name   string
	direct bool

	OpenErr   error
	OpenDelay time.Duration

	mu      sync.Mutex
	role    Role
	key     string
	deliver Deliver
	open    bool
	sent    int
}

func (t *MemoryTransport) Name() string { return t.name }

func (t *MemoryTransport) Direct() bool { return t.direct }

func (t *MemoryTransport) Open(ctx context.Context, role Role, code string, deliver Deliver) error {
	t.mu.Lock()
	openErr, delay := t.OpenErr, t.OpenDelay
	t.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if openErr != nil {
		return openErr
	}

	t.mu.Lock()
	t.role = role
	t.key = t.name + ":" + code
	t.deliver = deliver
	t.mu.Unlock()

	if err := t.bus.join(t); err != nil {
		return err
	}
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
	return nil
}

// Send round-trips msg through the wire encoding before delivery.
func (t *MemoryTransport) Send(ctx context.Context, msg protocol.ControlMessage) error {
	if !t.Ready() {
		return ErrClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sent++
	t.mu.Unlock()

	for _, m := range t.bus.targets(t) {
		decoded, err := protocol.Decode(data)
		if err != nil {
			return err
		}
		m.mu.Lock()
		deliver, open := m.deliver, m.open
		m.mu.Unlock()
		if open && deliver != nil {
			deliver(decoded)
		}
	}
	return nil
}

func (t *MemoryTransport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Peers counts the opposite-role members reachable on a direct transport.
func (t *MemoryTransport) Peers() int {
	if !t.Ready() {
		return 0
	}
	return len(t.bus.targets(t))
}

// Sent counts messages accepted by Send.
func (t *MemoryTransport) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	key, wasOpen := t.key, t.open
	t.open = false
	t.deliver = nil
	t.mu.Unlock()
	if wasOpen {
		t.bus.leave(t, key)
	}
	return nil
}
