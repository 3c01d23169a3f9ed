package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store tracks the peer ids registered on the broker. An id can be claimed by
// one connection at a time.
type Store interface {
	Reset(ctx context.Context) error
	// Claim registers id and reports false when it is already held.
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
	Peers(ctx context.Context) ([]string, error)
}

// RedisStore implements Store using a Redis set, so broker instances sharing
// a Redis share one id space.
type RedisStore struct {
	rdb      *redis.Client
	keyPeers string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional (e.g., "teleprompter").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "teleprompter"
	}
	return &RedisStore{
		rdb:      rdb,
		keyPeers: fmt.Sprintf("%s:peers", p),
	}
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.keyPeers).Err()
}

// Claim relies on SADD reporting how many members were new.
func (s *RedisStore) Claim(ctx context.Context, id string) (bool, error) {
	added, err := s.rdb.SAdd(ctx, s.keyPeers, id).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, s.keyPeers, id).Err()
}

func (s *RedisStore) Peers(ctx context.Context) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, s.keyPeers).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(vals)
	return vals, nil
}

// MemoryStore is a single-instance Store.
type MemoryStore struct {
	mu    sync.Mutex
	peers map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{peers: make(map[string]struct{})}
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	s.peers = make(map[string]struct{})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; ok {
		return false, nil
	}
	s.peers[id] = struct{}{}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Peers(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
