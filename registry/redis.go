package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisMirror keeps a write-through copy of every session in Redis so
// dashboards can read fleet state without talking to the relay. It is never
// read back; the in-memory registry stays authoritative.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror wraps client. Keys are namespaced under prefix.
func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "agvlink"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

func (m *RedisMirror) sessionKey(vehicleID string) string {
	return fmt.Sprintf("%s:vehicle:%s:session", m.prefix, vehicleID)
}

func (m *RedisMirror) collisionsKey(vehicleID string) string {
	return fmt.Sprintf("%s:vehicle:%s:collisions", m.prefix, vehicleID)
}

func (m *RedisMirror) vehiclesKey() string {
	return m.prefix + ":vehicles"
}

// Store writes one session snapshot.
func (m *RedisMirror) Store(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := m.client.Pipeline()
	pipe.Set(ctx, m.sessionKey(s.VehicleID), data, 0)
	pipe.Set(ctx, m.collisionsKey(s.VehicleID), s.CollisionCount, 0)
	pipe.SAdd(ctx, m.vehiclesKey(), s.VehicleID)
	_, err = pipe.Exec(ctx)
	return err
}

// Load reads one mirrored session.
func (m *RedisMirror) Load(ctx context.Context, vehicleID string) (*Session, error) {
	data, err := m.client.Get(ctx, m.sessionKey(vehicleID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Session
	return &s, json.Unmarshal(data, &s)
}

// Flush removes every mirrored session. The relay calls it on start since
// the in-memory registry begins empty.
func (m *RedisMirror) Flush(ctx context.Context) error {
	ids, err := m.client.SMembers(ctx, m.vehiclesKey()).Result()
	if err != nil {
		return err
	}
	pipe := m.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, m.sessionKey(id), m.collisionsKey(id))
	}
	pipe.Del(ctx, m.vehiclesKey())
	_, err = pipe.Exec(ctx)
	if err == nil && len(ids) > 0 {
		log.Printf("registry: flushed %d mirrored sessions", len(ids))
	}
	return err
}

// Ping checks the Redis connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
