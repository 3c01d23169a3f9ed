package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"teleprompter/pkg/roomcode"
)

// Room is a live session: at least one host is subscribed to its relay channel.
type Room struct {
	Code     string    `json:"code"`
	Hosts    int       `json:"hosts"`
	OpenedAt time.Time `json:"openedAt"`
}

// Store tracks live rooms as hosts come and go.
type Store interface {
	HostJoined(ctx context.Context, code string) error
	HostLeft(ctx context.Context, code string) error
	Get(ctx context.Context, code string) (*Room, error)
}

// ErrNotFound is returned when no host is live for a room code.
var ErrNotFound = errors.New("room not found")

// RedisStore persists room metadata in Redis.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore builds a room store scoped under the provided prefix (e.g., "teleprompter").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "teleprompter"
	}
	return &RedisStore{rdb: rdb, prefix: p, now: time.Now}
}

func (s *RedisStore) roomKey(code string) string {
	return fmt.Sprintf("%s:rooms:%s", s.prefix, code)
}

func (s *RedisStore) HostJoined(ctx context.Context, code string) error {
	key := s.roomKey(code)
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "hosts", 1)
	pipe.HSetNX(ctx, key, "opened_at", s.now().UTC().Format(time.RFC3339))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) HostLeft(ctx context.Context, code string) error {
	key := s.roomKey(code)
	hosts, err := s.rdb.HIncrBy(ctx, key, "hosts", -1).Result()
	if err != nil {
		return err
	}
	if hosts <= 0 {
		return s.rdb.Del(ctx, key).Err()
	}
	return nil
}

// Get fetches a live room by code, returning ErrNotFound when no host is subscribed.
func (s *RedisStore) Get(ctx context.Context, code string) (*Room, error) {
	code, err := roomcode.Normalize(code)
	if err != nil {
		return nil, ErrNotFound
	}

	var room struct {
		Hosts    int    `redis:"hosts"`
		OpenedAt string `redis:"opened_at"`
	}
	res := s.rdb.HGetAll(ctx, s.roomKey(code))
	if err := res.Err(); err != nil {
		return nil, err
	}
	if len(res.Val()) == 0 {
		return nil, ErrNotFound
	}
	if err := res.Scan(&room); err != nil {
		return nil, err
	}
	if room.Hosts <= 0 {
		return nil, ErrNotFound
	}

	openedAt := s.now().UTC()
	if parsed, err := time.Parse(time.RFC3339, room.OpenedAt); err == nil {
		openedAt = parsed
	}
	return &Room{Code: code, Hosts: room.Hosts, OpenedAt: openedAt}, nil
}

// MemoryStore keeps rooms for a single server instance.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*Room
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*Room), now: time.Now}
}

func (s *MemoryStore) HostJoined(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[code]
	if r == nil {
		r = &Room{Code: code, OpenedAt: s.now().UTC()}
		s.rooms[code] = r
	}
	r.Hosts++
	return nil
}

func (s *MemoryStore) HostLeft(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[code]
	if r == nil {
		return nil
	}
	r.Hosts--
	if r.Hosts <= 0 {
		delete(s.rooms, code)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, code string) (*Room, error) {
	code, err := roomcode.Normalize(code)
	if err != nil {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[code]
	if r == nil {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}
