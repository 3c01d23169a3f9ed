package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"teleprompter/internal/config"
	"teleprompter/pkg/session"
	"teleprompter/pkg/transport/peer"
	"teleprompter/pkg/transport/relay"
	"teleprompter/pkg/webrtc/ice"
)

// newSession builds a session client over the configured relay backend plus
// the direct peer transport. The returned func releases backend connections.
func newSession(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*session.Client, func(), error) {
	relayT, closeRelay, err := newRelay(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	_, iceServers := ice.Resolve(cfg.ICE)
	direct := peer.New(peer.Options{
		BrokerURL:  cfg.Relay.BrokerURL,
		ICEServers: iceServers,
		Logger:     &logger,
	})

	client := session.NewClient(session.Options{
		Transports:     []session.Transport{relayT, direct},
		ConnectTimeout: cfg.Session.ConnectTimeout,
		MaxAttempts:    cfg.Session.MaxAttempts,
		Logger:         &logger,
	})
	cleanup := func() {
		client.Stop()
		closeRelay()
	}
	return client, cleanup, nil
}

func newRelay(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (session.Transport, func(), error) {
	switch cfg.Relay.Backend {
	case config.RelayRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return relay.NewRedis(rdb, relay.DefaultName, &logger), func() { _ = rdb.Close() }, nil
	case config.RelayNATS:
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("teleprompter"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		return relay.NewNATS(nc, relay.DefaultName, &logger), nc.Close, nil
	default:
		return relay.NewWebSocket(relay.WebSocketOptions{URL: cfg.Relay.URL, Logger: &logger}), func() {}, nil
	}
}
