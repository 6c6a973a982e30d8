// Package cache keeps agent presence snapshots in redis so sibling services
// can read current agent state without calling into the engine. Writes are
// best effort: a failed refresh is logged by the caller and never blocks a
// state transition.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ccmesh/routing-engine/pkg/models"
)

// Config controls the redis client.
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TTL bounds how stale a presence snapshot can get if the engine dies
	// without cleaning up.
	TTL time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Addr == "" {
		out.Addr = "localhost:6379"
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.TTL <= 0 {
		out.TTL = 24 * time.Hour
	}
	return out
}

// PresenceStore is the redis-backed presence snapshot store.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPresenceStore connects to redis and verifies the connection.
func NewPresenceStore(ctx context.Context, cfg Config) (*PresenceStore, error) {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return &PresenceStore{client: client, ttl: cfg.TTL}, nil
}

func presenceKey(agentID string) string {
	return "routing:presence:" + agentID
}

// SavePresence stores an agent's presence snapshot.
func (s *PresenceStore) SavePresence(ctx context.Context, p models.AgentPresence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, presenceKey(p.AgentID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store presence for %s: %w", p.AgentID, err)
	}
	return nil
}

// GetPresence reads an agent's presence snapshot. ok is false when no
// snapshot exists.
func (s *PresenceStore) GetPresence(ctx context.Context, agentID string) (p models.AgentPresence, ok bool, err error) {
	data, err := s.client.Get(ctx, presenceKey(agentID)).Bytes()
	if err == redis.Nil {
		return models.AgentPresence{}, false, nil
	}
	if err != nil {
		return models.AgentPresence{}, false, fmt.Errorf("failed to read presence for %s: %w", agentID, err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return models.AgentPresence{}, false, fmt.Errorf("failed to decode presence for %s: %w", agentID, err)
	}
	return p, true, nil
}

// DeletePresence removes an agent's snapshot, e.g. on deprovisioning.
func (s *PresenceStore) DeletePresence(ctx context.Context, agentID string) error {
	if err := s.client.Del(ctx, presenceKey(agentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence for %s: %w", agentID, err)
	}
	return nil
}

// Close releases the redis client.
func (s *PresenceStore) Close() error {
	return s.client.Close()
}
