// Package settings persists the prompter's user settings between runs.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"teleprompter/pkg/markers"
	"teleprompter/pkg/pacing"
)

var (
	bucketName  = []byte("settings")
	prompterKey = []byte("prompter")
)

// Settings is the persisted subset of the host state. Playback is never
// persisted; a restarted prompter is always paused.
type Settings struct {
	ScrollSpeed    float64          `json:"scrollSpeed"`
	FontSize       float64          `json:"fontSize"`
	FontFamily     string           `json:"fontFamily"`
	UseSmartPacing bool             `json:"useSmartPacing"`
	Direction      pacing.Direction `json:"playbackDirection"`
	Script         string           `json:"script"`
}

// Defaults are the settings of a first run.
func Defaults() Settings {
	p := pacing.DefaultSettings()
	style := markers.DefaultStyle()
	return Settings{
		ScrollSpeed: p.ScrollSpeed,
		FontSize:    style.FontSize,
		FontFamily:  style.FontFamily,
		Direction:   p.Direction,
	}
}

// normalize fills zero fields from Defaults so older records stay loadable.
func (s Settings) normalize() Settings {
	d := Defaults()
	if s.ScrollSpeed == 0 {
		s.ScrollSpeed = d.ScrollSpeed
	}
	s.ScrollSpeed = pacing.ClampSpeed(s.ScrollSpeed)
	if s.FontSize <= 0 {
		s.FontSize = d.FontSize
	}
	if s.FontFamily == "" {
		s.FontFamily = d.FontFamily
	}
	if s.Direction != pacing.Reverse {
		s.Direction = pacing.Forward
	}
	return s
}

// Store loads and saves Settings.
type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

// BoltStore keeps settings in a bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the settings database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create settings bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Load returns the saved settings, or Defaults on first run.
func (s *BoltStore) Load(ctx context.Context) (Settings, error) {
	if err := ctx.Err(); err != nil {
		return Settings{}, err
	}
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get(prompterKey); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Settings{}, err
	}
	if raw == nil {
		return Defaults(), nil
	}
	var out Settings
	if err := json.Unmarshal(raw, &out); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return out.normalize(), nil
}

func (s *BoltStore) Save(ctx context.Context, v Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(v.normalize())
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(prompterKey, raw)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	saved *Settings
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return Defaults(), nil
	}
	return *s.saved, nil
}

func (s *MemoryStore) Save(_ context.Context, v Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v = v.normalize()
	s.saved = &v
	s.saves++
	return nil
}

// Saves counts Save calls.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
