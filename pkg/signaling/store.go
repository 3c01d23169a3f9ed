package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Envelope is a relay frame travelling between server instances.
type Envelope struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Frame   json.RawMessage `json:"frame"`
}

// Fanout abstracts cross-instance delivery so callers can swap backends.
type Fanout interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe blocks, handing every envelope to deliver until ctx is done.
	Subscribe(ctx context.Context, deliver func(Envelope)) error
}

// RedisFanout implements Fanout using Redis pub/sub.
type RedisFanout struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisFanout builds a Fanout backed by Redis. Prefix is optional (e.g., "teleprompter").
func NewRedisFanout(rdb *redis.Client, prefix string) *RedisFanout {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "teleprompter"
	}
	return &RedisFanout{rdb: rdb, prefix: fmt.Sprintf("%s:fanout:", p)}
}

func (f *RedisFanout) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.prefix+env.Channel, data).Err()
}

func (f *RedisFanout) Subscribe(ctx context.Context, deliver func(Envelope)) error {
	pubsub := f.rdb.PSubscribe(ctx, f.prefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("fanout subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			deliver(env)
		}
	}
}
