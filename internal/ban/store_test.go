package ban

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and
// removes test keys before and after the test. Tests are skipped when Redis
// is not running.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, pattern := range []string{BanPrefix + "test_*", ReportsPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client)
}

func TestEscalationDuration(t *testing.T) {
	tests := []struct {
		reports int
		want    time.Duration
	}{
		{AutoBanThreshold, Ban15Min},
		{AutoBanThreshold + 1, Ban1Hour},
		{AutoBanThreshold + 2, Ban24Hour},
		{100, Ban24Hour},
	}
	for _, tt := range tests {
		if got := escalationDuration(tt.reports); got != tt.want {
			t.Errorf("escalationDuration(%d) = %v, want %v", tt.reports, got, tt.want)
		}
	}
}

func TestNilStoreNeverBans(t *testing.T) {
	var s *Store
	banned, _, _, err := s.IsBanned(context.Background(), "192.0.2.1")
	if banned || err != nil {
		t.Errorf("nil store: banned=%v err=%v", banned, err)
	}
}

func TestIsBanned_NotBanned(t *testing.T) {
	store := newTestStore(t)

	banned, remaining, reason, err := store.IsBanned(context.Background(), "test_no_ban")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if banned {
		t.Errorf("expected not banned (remaining=%v reason=%q)", remaining, reason)
	}
}

func TestBanAndUnban(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ip := "test_ban_unban"

	if err := store.Ban(ctx, ip, 30*time.Second, "spam"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}
	banned, remaining, reason, err := store.IsBanned(ctx, ip)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if !banned || reason != "spam" {
		t.Fatalf("expected spam ban, got banned=%v reason=%q", banned, reason)
	}
	if remaining <= 0 || remaining > 30*time.Second {
		t.Errorf("remaining = %v, want (0, 30s]", remaining)
	}

	if err := store.Unban(ctx, ip); err != nil {
		t.Fatalf("Unban() error: %v", err)
	}
	if banned, _, _, _ := store.IsBanned(ctx, ip); banned {
		t.Error("still banned after Unban")
	}
}

func TestRecordReport_BansAtThreshold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ip := "test_report_threshold"

	for i := 1; i < AutoBanThreshold; i++ {
		banned, _, err := store.RecordReport(ctx, ip)
		if err != nil {
			t.Fatalf("RecordReport() error: %v", err)
		}
		if banned {
			t.Fatalf("banned after %d reports", i)
		}
	}

	banned, duration, err := store.RecordReport(ctx, ip)
	if err != nil {
		t.Fatalf("RecordReport() error: %v", err)
	}
	if !banned || duration != Ban15Min {
		t.Fatalf("expected a %v ban, got banned=%v duration=%v", Ban15Min, banned, duration)
	}
	if _, _, reason, _ := store.IsBanned(ctx, ip); reason != ReasonMultipleReports {
		t.Errorf("reason = %q, want %q", reason, ReasonMultipleReports)
	}

	_, duration, _ = store.RecordReport(ctx, ip)
	if duration != Ban1Hour {
		t.Errorf("next report banned for %v, want %v", duration, Ban1Hour)
	}

	n, err := store.ReportCount(ctx, ip)
	if err != nil {
		t.Fatalf("ReportCount() error: %v", err)
	}
	if n != AutoBanThreshold+1 {
		t.Errorf("ReportCount = %d, want %d", n, AutoBanThreshold+1)
	}
}

func TestRecordReport_WindowTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ip := "test_report_ttl"

	if _, _, err := store.RecordReport(ctx, ip); err != nil {
		t.Fatalf("RecordReport() error: %v", err)
	}
	ttl, err := store.client.TTL(ctx, ReportsPrefix+ip).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl < ReportsWindow-10*time.Second || ttl > ReportsWindow {
		t.Errorf("expected TTL ~%v, got %v", ReportsWindow, ttl)
	}
}
