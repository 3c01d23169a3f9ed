package relay

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"teleprompter/pkg/protocol"
	"teleprompter/pkg/session"
)

const natsFlushTimeout = 5 * time.Second

// Subject is the NATS subject carrying a room's relay traffic.
func Subject(code string) string {
	return "teleprompter.relay." + code
}

// NATS relays through core NATS publish/subscribe.
type NATS struct {
	nc     *nats.Conn
	name   string
	logger zerolog.Logger

	mu       sync.Mutex
	opening  bool
	sub      *nats.Subscription
	subject  string
	endpoint endpoint
}

func NewNATS(nc *nats.Conn, name string, logger *zerolog.Logger) *NATS {
	if name == "" {
		name = DefaultName
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &NATS{nc: nc, name: name, logger: l.With().Str("transport", name).Logger()}
}

func (t *NATS) Name() string { return t.name }

func (t *NATS) Direct() bool { return false }

func (t *NATS) Open(ctx context.Context, _ session.Role, code string, deliver session.Deliver) error {
	t.mu.Lock()
	if t.sub != nil || t.opening {
		t.mu.Unlock()
		return errAlreadyOpen
	}
	t.opening = true
	t.mu.Unlock()

	sub, ep, err := t.subscribe(ctx, code, deliver)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.opening = false
	if err != nil {
		return err
	}
	t.sub = sub
	t.subject = sub.Subject
	t.endpoint = ep
	return nil
}

// subscribe runs without t.mu held; the flush waits on a server round trip.
func (t *NATS) subscribe(ctx context.Context, code string, deliver session.Deliver) (*nats.Subscription, endpoint, error) {
	subject := Subject(code)
	ep := newEndpoint(subject, deliver)
	sub, err := t.nc.Subscribe(subject, func(m *nats.Msg) {
		ep.handle(m.Data, t.logger)
	})
	if err != nil {
		return nil, ep, wrapOpen("nats", err)
	}

	// FlushWithContext needs a deadline; it returns once the server has the subscription.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsFlushTimeout)
		defer cancel()
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, ep, wrapOpen("nats", err)
	}
	return sub, ep, nil
}

func (t *NATS) Send(_ context.Context, msg protocol.ControlMessage) error {
	t.mu.Lock()
	open, subject, ep := t.sub != nil, t.subject, t.endpoint
	t.mu.Unlock()
	if !open {
		return session.ErrClosed
	}
	data, err := ep.encode(protocol.RelayMessage, msg)
	if err != nil {
		return err
	}
	return t.nc.Publish(subject, data)
}

func (t *NATS) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sub != nil && t.nc.IsConnected()
}

func (t *NATS) Peers() int { return 0 }

func (t *NATS) Close() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}
