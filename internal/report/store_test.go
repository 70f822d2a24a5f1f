package report

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/duet/roulette/internal/chat"
)

// newTestStore migrates and connects to the database named by DATABASE_URL
// and deletes test rows afterwards. Tests are skipped when it is unset or
// unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := Open(ctx, url)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(url); err != nil {
		db.Close()
		t.Fatalf("Migrate() error: %v", err)
	}
	// A second run finds nothing to do.
	if err := Migrate(url); err != nil {
		db.Close()
		t.Fatalf("second Migrate() error: %v", err)
	}

	t.Cleanup(func() {
		db.Exec(`DELETE FROM abuse_reports WHERE room_id LIKE 'test_%'`)
		db.Close()
	})
	return NewStore(db)
}

func TestStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := New("test_room_1", "a", "b", "harassment")
	r.ReportedIP = "198.51.100.20"
	r.Messages = []chat.BufferedMessage{{From: "b", Text: "hey", At: time.Now().UTC()}}

	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	// Redelivery is ignored.
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("second Create() error: %v", err)
	}

	got, err := store.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Reported != "b" || got.Reason != "harassment" || len(got.Messages) != 1 {
		t.Errorf("unexpected report: %+v", got)
	}

	list, err := store.ListByRoom(ctx, "test_room_1")
	if err != nil {
		t.Fatalf("ListByRoom() error: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 report, got %d", len(list))
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_CreateRejectsInvalidReason(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(context.Background(), New("test_room_2", "a", "b", "bored")); err == nil {
		t.Fatal("expected an error for an invalid reason")
	}
}

func TestStore_CountRecentByIP(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ip := "test-" + uuid.NewString()

	for i := 0; i < 3; i++ {
		r := New("test_room_3", "a", "b", "spam")
		r.ReportedIP = ip
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}
	old := New("test_room_3", "a", "b", "spam")
	old.ReportedIP = ip
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	if err := store.Create(ctx, old); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	n, err := store.CountRecentByIP(ctx, ip, 24*time.Hour)
	if err != nil {
		t.Fatalf("CountRecentByIP() error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 recent reports, got %d", n)
	}
}
