package relay

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"teleprompter/pkg/protocol"
	"teleprompter/pkg/roomcode"
	"teleprompter/pkg/session"
)

// Redis relays through Redis pub/sub on the room's relay channel.
type Redis struct {
	rdb    *redis.Client
	name   string
	logger zerolog.Logger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	endpoint endpoint
	done     chan struct{}
}

func NewRedis(rdb *redis.Client, name string, logger *zerolog.Logger) *Redis {
	if name == "" {
		name = DefaultName
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Redis{rdb: rdb, name: name, logger: l.With().Str("transport", name).Logger()}
}

func (t *Redis) Name() string { return t.name }

func (t *Redis) Direct() bool { return false }

func (t *Redis) Open(ctx context.Context, _ session.Role, code string, deliver session.Deliver) error {
	t.mu.Lock()
	if t.pubsub != nil {
		t.mu.Unlock()
		return errAlreadyOpen
	}
	t.mu.Unlock()

	ep := newEndpoint(roomcode.RelayChannel(code), deliver)
	pubsub := t.rdb.Subscribe(ctx, ep.channel)
	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return wrapOpen("redis", err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.pubsub = pubsub
	t.endpoint = ep
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			ep.handle([]byte(msg.Payload), t.logger)
		}
	}()
	return nil
}

func (t *Redis) Send(ctx context.Context, msg protocol.ControlMessage) error {
	t.mu.Lock()
	open, ep := t.pubsub != nil, t.endpoint
	t.mu.Unlock()
	if !open {
		return session.ErrClosed
	}
	data, err := ep.encode(protocol.RelayMessage, msg)
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, ep.channel, data).Err()
}

func (t *Redis) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pubsub != nil
}

func (t *Redis) Peers() int { return 0 }

func (t *Redis) Close() error {
	t.mu.Lock()
	pubsub, done := t.pubsub, t.done
	t.pubsub, t.done = nil, nil
	t.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
