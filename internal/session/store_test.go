package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/duet/roulette/internal/matching"
)

// newTestStore connects to a local Redis and removes test_* sessions before
// and after the test. Tests are skipped when Redis is not running.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, SessionPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStoreWithClient(client, "test-server")
}

func TestStore_CreateGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_a"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s, err := store.Get(ctx, "test_a")
	if err != nil || s == nil {
		t.Fatalf("Get = %v, %v", s, err)
	}
	if s.Status != StatusIdle || s.Server != "test-server" {
		t.Errorf("unexpected session %+v", s)
	}

	if err := store.Delete(ctx, "test_a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s, _ := store.Get(ctx, "test_a"); s != nil {
		t.Errorf("expected nil after delete, got %+v", s)
	}
}

func TestStore_UpdateMissingSessionIsNoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetRoom(ctx, "test_gone", "room_x", "test_b"); err != nil {
		t.Fatalf("SetRoom: %v", err)
	}
	if s, _ := store.Get(ctx, "test_gone"); s != nil {
		t.Errorf("late update must not recreate a session: %+v", s)
	}
}

func TestStore_ApplyFollowsEngineEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	steps := []struct {
		ev          matching.Event
		handle      string
		wantStatus  string
		wantPartner string
	}{
		{matching.Event{Kind: matching.EventConnected, Handle: "test_a"}, "test_a", StatusIdle, ""},
		{matching.Event{Kind: matching.EventConnected, Handle: "test_b"}, "test_b", StatusIdle, ""},
		{matching.Event{Kind: matching.EventWaiting, Handle: "test_a"}, "test_a", StatusWaiting, ""},
		{matching.Event{Kind: matching.EventRoomCreated, Handle: "test_b", Partner: "test_a", RoomID: "room_test_a_test_b"}, "test_a", StatusInRoom, "test_b"},
		{matching.Event{Kind: matching.EventRoomClosed, Handle: "test_a", Partner: "test_b", RoomID: "room_test_a_test_b"}, "test_b", StatusIdle, ""},
	}

	for i, st := range steps {
		if err := store.Apply(ctx, st.ev); err != nil {
			t.Fatalf("step %d Apply(%s): %v", i, st.ev.Kind, err)
		}
		s, err := store.Get(ctx, st.handle)
		if err != nil || s == nil {
			t.Fatalf("step %d Get(%s) = %v, %v", i, st.handle, s, err)
		}
		if s.Status != st.wantStatus || s.Partner != st.wantPartner {
			t.Errorf("step %d: %s = %+v, want status %s partner %q", i, st.handle, s, st.wantStatus, st.wantPartner)
		}
	}

	if err := store.Apply(ctx, matching.Event{Kind: matching.EventDisconnected, Handle: "test_a"}); err != nil {
		t.Fatalf("Apply(disconnected): %v", err)
	}
	if s, _ := store.Get(ctx, "test_a"); s != nil {
		t.Errorf("disconnected session still mirrored: %+v", s)
	}
}
