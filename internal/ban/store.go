// Package ban keeps per-user posting bans in Redis. A user who keeps
// sending content the moderation filter blocks is banned from posting for an
// escalating period:
//
//	Key:   ban:<userID>
//	Value: <reason>
//	TTL:   ban duration
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix        = "ban:"
	ViolationsPrefix = "violations:"

	Ban15Min  = 15 * time.Minute
	Ban1Hour  = 1 * time.Hour
	Ban24Hour = 24 * time.Hour

	// ViolationsTTL is how long the violation counter lives. It is set on the
	// first increment so the window does not slide.
	ViolationsTTL = 24 * time.Hour

	// AutoBanThreshold is the number of violations within ViolationsTTL that
	// triggers a ban.
	AutoBanThreshold = 3
)

// Status describes an active ban.
type Status struct {
	Banned    bool
	Reason    string
	Remaining time.Duration
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store on an existing Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Check reports whether the user is currently banned from posting.
func (s *Store) Check(ctx context.Context, userID string) (Status, error) {
	key := BanPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: check %s: %w", userID, err)
	}

	st := Status{Banned: true, Reason: reason}
	// A ban whose TTL cannot be read is still a ban.
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// Ban bans the user for duration.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+userID, reason, duration).Err()
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	return s.client.Del(ctx, BanPrefix+userID).Err()
}

func escalationDuration(violations int) time.Duration {
	switch {
	case violations <= AutoBanThreshold:
		return Ban15Min
	case violations == AutoBanThreshold+1:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// Violations returns the user's violation count in the current window.
func (s *Store) Violations(ctx context.Context, userID string) (int, error) {
	n, err := s.client.Get(ctx, ViolationsPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// RecordViolation counts a blocked message. Once the count reaches
// AutoBanThreshold every further violation (re)applies a ban whose duration
// escalates with the count. It returns the applied duration, or zero when no
// ban was applied.
func (s *Store) RecordViolation(ctx context.Context, userID, reason string) (time.Duration, error) {
	key := ViolationsPrefix + userID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: violation incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ViolationsTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: violation expire: %w", err)
		}
	}
	if count < AutoBanThreshold {
		return 0, nil
	}

	d := escalationDuration(int(count))
	if err := s.Ban(ctx, userID, d, reason); err != nil {
		return 0, fmt.Errorf("ban: apply: %w", err)
	}
	return d, nil
}
