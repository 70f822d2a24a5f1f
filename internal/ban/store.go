// Package ban keeps temporary address bans in Redis. Handles are ephemeral,
// so bans apply to the client address a reported participant connected
// from.
//
//	ban:ip:<addr>      reason, expires with the ban
//	reports:ip:<addr>  report counter, 24h window
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix     = "ban:ip:"
	ReportsPrefix = "reports:ip:"

	// Escalating ban durations by report count.
	Ban15Min  = 15 * time.Minute
	Ban1Hour  = time.Hour
	Ban24Hour = 24 * time.Hour

	// ReportsWindow is the lifetime of a report counter, started by the
	// first report.
	ReportsWindow = 24 * time.Hour

	// AutoBanThreshold is the number of reports within ReportsWindow that
	// bans an address.
	AutoBanThreshold = 3

	ReasonMultipleReports = "multiple_reports"
)

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned reports whether ip is banned, with the remaining ban time and
// its reason. Redis errors are returned; callers fail open.
func (s *Store) IsBanned(ctx context.Context, ip string) (bool, time.Duration, string, error) {
	if s == nil {
		return false, 0, "", nil
	}
	key := BanPrefix + ip

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	_, err := pipe.Exec(ctx)

	reason, getErr := getCmd.Result()
	if errors.Is(getErr, redis.Nil) {
		return false, 0, "", nil
	}
	if getErr != nil {
		return false, 0, "", fmt.Errorf("ban: get: %w", getErr)
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		// The ban exists but its TTL is unknown.
		return true, 0, reason, nil
	}

	remaining := ttlCmd.Val()
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, reason, nil
}

// Ban bans ip for duration.
func (s *Store) Ban(ctx context.Context, ip string, duration time.Duration, reason string) error {
	if err := s.client.Set(ctx, BanPrefix+ip, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, ip string) error {
	if err := s.client.Del(ctx, BanPrefix+ip).Err(); err != nil {
		return fmt.Errorf("ban: del: %w", err)
	}
	return nil
}

func escalationDuration(reports int) time.Duration {
	switch {
	case reports <= AutoBanThreshold:
		return Ban15Min
	case reports == AutoBanThreshold+1:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// ReportCount returns the number of reports against ip in the current
// window.
func (s *Store) ReportCount(ctx context.Context, ip string) (int, error) {
	n, err := s.client.Get(ctx, ReportsPrefix+ip).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: report count: %w", err)
	}
	return n, nil
}

// RecordReport counts one report against ip. From AutoBanThreshold
// reports on, every further report (re)applies a ban whose length grows
// with the count: 15 minutes, then one hour, then 24 hours.
func (s *Store) RecordReport(ctx context.Context, ip string) (bool, time.Duration, error) {
	key := ReportsPrefix + ip

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ban: report incr: %w", err)
	}
	// The window starts with the first report and does not slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, ReportsWindow).Err(); err != nil {
			return false, 0, fmt.Errorf("ban: report expire: %w", err)
		}
	}

	if count < AutoBanThreshold {
		return false, 0, nil
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, ip, duration, ReasonMultipleReports); err != nil {
		return false, 0, err
	}
	return true, duration, nil
}
