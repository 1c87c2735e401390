// Package ban provides user bans backed by Redis. Ban records are simple
// key-value pairs with TTL-based expiry:
//
//	Key:   ban:<user_id>
//	Value: <reason>
//	TTL:   ban duration
//
// Reports against a user are counted in a 24h window; reaching the
// threshold applies a ban whose length escalates with the count.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// ReportsPrefix is the Redis key prefix for per-user report counters.
	ReportsPrefix = "reports:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL is how long the report counter lives in Redis. After 24h
	// without new reports the counter resets to zero.
	ReportsTTL = 24 * time.Hour

	// AutoBanThreshold is the number of reports within ReportsTTL that
	// triggers an automatic ban.
	AutoBanThreshold = 3

	// ReasonMultipleReports is recorded on automatic bans.
	ReasonMultipleReports = "multiple_reports"
)

// Status describes a user's current ban.
type Status struct {
	Banned    bool
	Reason    string
	Remaining time.Duration
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Check returns the user's ban status. Redis errors are returned so callers
// can decide how to handle them; the engine fails open.
func (s *Store) Check(ctx context.Context, userID string) (Status, error) {
	key := BanPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: check: %w", err)
	}

	st := Status{Banned: true, Reason: reason}
	// The ban exists; a failed TTL read still reports it, with 0 remaining.
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// Ban bans the user for the given duration.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if err := s.client.Set(ctx, BanPrefix+userID, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, BanPrefix+userID).Err(); err != nil {
		return fmt.Errorf("ban: del: %w", err)
	}
	return nil
}

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// OffenseCount returns the current report counter for a user, 0 if none.
func (s *Store) OffenseCount(ctx context.Context, userID string) (int, error) {
	val, err := s.client.Get(ctx, ReportsPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: offense count: %w", err)
	}
	return val, nil
}

// incrWindow increments the user's counter. The TTL is set only on the
// first increment so the window does not slide.
func (s *Store) incrWindow(ctx context.Context, userID string) (int, error) {
	key := ReportsPrefix + userID
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ReportsTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: expire: %w", err)
		}
	}
	return int(count), nil
}

// Escalate records an offense and bans the user unconditionally:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
//
// Returns the ban duration that was applied.
func (s *Store) Escalate(ctx context.Context, userID string, reason string) (time.Duration, error) {
	count, err := s.incrWindow(ctx, userID)
	if err != nil {
		return 0, err
	}
	duration := escalationDuration(count)
	if err := s.Ban(ctx, userID, duration, reason); err != nil {
		return 0, err
	}
	return duration, nil
}

// RecordReport counts a report against the user and bans them once the
// threshold is reached. The returned status reflects any ban it applied.
func (s *Store) RecordReport(ctx context.Context, userID string) (Status, error) {
	count, err := s.incrWindow(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	if count < AutoBanThreshold {
		return Status{}, nil
	}
	duration := escalationDuration(count)
	if err := s.Ban(ctx, userID, duration, ReasonMultipleReports); err != nil {
		return Status{}, err
	}
	return Status{Banned: true, Reason: ReasonMultipleReports, Remaining: duration}, nil
}
