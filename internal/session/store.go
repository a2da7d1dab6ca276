package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/convo/internal/chat"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "conn:"

	// UserPrefix prefixes the per-user set of connection ids.
	UserPrefix = "user_conns:"

	// SessionTTL bounds how long a connection record outlives its last refresh.
	SessionTTL = 1 * time.Hour
)

// Session is one live connection as stored in Redis.
type Session struct {
	ID          string `redis:"id"`
	UserID      string `redis:"user_id"`
	Username    string `redis:"username"`
	Server      string `redis:"server"` // which WS server instance
	ConnectedAt int64  `redis:"connected_at"`
	LastActive  int64  `redis:"last_active"`
}

// Store manages connection presence in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	now        func() time.Time
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName, now: time.Now}, nil
}

// Create records a new connection for id and adds it to the user's set.
func (s *Store) Create(ctx context.Context, connID string, id chat.Identity) error {
	now := s.now().Unix()
	key := ConnPrefix + connID
	userKey := UserPrefix + id.UserID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"id":           connID,
		"user_id":      id.UserID,
		"username":     id.Username,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, userKey, connID)
	pipe.Expire(ctx, userKey, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a connection record. It returns nil if none exists.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Touch marks the connection active and extends its TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", s.now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes the connection record and its entry in the user's set.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: lookup %s: %w", connID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if userID != "" {
		pipe.SRem(ctx, UserPrefix+userID, connID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// UserConnections returns the ids of the user's live connections across all
// instances. Ids whose record has expired are pruned from the set.
func (s *Store) UserConnections(ctx context.Context, userID string) ([]string, error) {
	userKey := UserPrefix + userID
	ids, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, err
	}

	live := ids[:0]
	for _, id := range ids {
		n, err := s.client.Exists(ctx, ConnPrefix+id).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			s.client.SRem(ctx, userKey, id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// Online reports whether the user has at least one live connection.
func (s *Store) Online(ctx context.Context, userID string) (bool, error) {
	ids, err := s.UserConnections(ctx, userID)
	return len(ids) > 0, err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
