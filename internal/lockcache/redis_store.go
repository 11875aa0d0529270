// Package lockcache mirrors live editing-lock leases into Redis so other
// instances (and read-heavy callers) can answer "locked by X since T"
// without touching the documents table. Postgres stays the source of truth;
// the mirror is advisory and may lag one write.
package lockcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is the payload stored per locked document.
type Lease struct {
	DocumentID        string     `json:"document_id"`
	HeldBy            string     `json:"held_by"`
	HeldAt            time.Time  `json:"held_at"`
	Reason            string     `json:"reason,omitempty"`
	UnlockScheduledAt *time.Time `json:"unlock_scheduled_at,omitempty"`
}

// RedisStore keeps one key per locked document.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// defaultLeaseTTL caps how stale an orphaned mirror entry can get when the
// lock has no scheduled unlock.
const defaultLeaseTTL = 24 * time.Hour

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "lock:"}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "lock:"}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

// SaveLease records or refreshes the lease for a locked document. The TTL
// tracks the scheduled unlock when one exists.
func (s *RedisStore) SaveLease(ctx context.Context, lease Lease) error {
	jsonData, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}

	ttl := defaultLeaseTTL
	if lease.UnlockScheduledAt != nil {
		if until := time.Until(*lease.UnlockScheduledAt); until > 0 {
			ttl = until
		}
	}

	if err := s.client.Set(ctx, s.key(lease.DocumentID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save lease: %w", err)
	}
	return nil
}

// GetLease returns the mirrored lease, or nil when the document has none.
func (s *RedisStore) GetLease(ctx context.Context, documentID string) (*Lease, error) {
	jsonData, err := s.client.Get(ctx, s.key(documentID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup lease: %w", err)
	}

	var lease Lease
	if err := json.Unmarshal([]byte(jsonData), &lease); err != nil {
		return nil, fmt.Errorf("unmarshal lease: %w", err)
	}
	return &lease, nil
}

// DropLease removes the mirror entry after a release.
func (s *RedisStore) DropLease(ctx context.Context, documentID string) error {
	if err := s.client.Del(ctx, s.key(documentID)).Err(); err != nil {
		return fmt.Errorf("drop lease: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
