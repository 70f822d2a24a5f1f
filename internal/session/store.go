package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duet/roulette/internal/matching"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	StatusIdle    = "idle"
	StatusWaiting = "waiting"
	StatusInRoom  = "in_room"
)

// Session is the mirrored state of one connection.
type Session struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`  // idle | waiting | in_room
	RoomID     string `redis:"room_id"` // empty unless in_room
	Partner    string `redis:"partner"`
	Server     string `redis:"server"` // which WS server instance
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages session hashes in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore connects to Redis at redisAddr and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new idle session with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"status":      StatusIdle,
		"room_id":     "",
		"partner":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session. It returns nil, nil if the session does not exist.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// UpdateStatus sets the status and clears any room, refreshing the TTL.
func (s *Store) UpdateStatus(ctx context.Context, sessionID string, status string) error {
	return s.update(ctx, sessionID, "status", status, "room_id", "", "partner", "")
}

// SetRoom records the session's room and partner and marks it in_room.
func (s *Store) SetRoom(ctx context.Context, sessionID, roomID, partner string) error {
	return s.update(ctx, sessionID, "status", StatusInRoom, "room_id", roomID, "partner", partner)
}

// ClearRoom removes the room and resets the status to idle.
func (s *Store) ClearRoom(ctx context.Context, sessionID string) error {
	return s.UpdateStatus(ctx, sessionID, StatusIdle)
}

// update writes fields only when the hash still exists, so late events for
// a deleted session do not resurrect it without a TTL-bearing Create.
func (s *Store) update(ctx context.Context, sessionID string, fields ...interface{}) error {
	key := SessionPrefix + sessionID
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, append(fields, "last_active", time.Now().Unix())...)
	pipe.Expire(ctx, key, SessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	return s.client.Expire(ctx, SessionPrefix+sessionID, SessionTTL).Err()
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, SessionPrefix+sessionID).Err()
}

// Apply mirrors one engine event.
func (s *Store) Apply(ctx context.Context, ev matching.Event) error {
	switch ev.Kind {
	case matching.EventConnected:
		return s.Create(ctx, ev.Handle)
	case matching.EventWaiting:
		return s.UpdateStatus(ctx, ev.Handle, StatusWaiting)
	case matching.EventIdle:
		return s.UpdateStatus(ctx, ev.Handle, StatusIdle)
	case matching.EventRoomCreated:
		if err := s.SetRoom(ctx, ev.Handle, ev.RoomID, ev.Partner); err != nil {
			return err
		}
		return s.SetRoom(ctx, ev.Partner, ev.RoomID, ev.Handle)
	case matching.EventRoomClosed:
		if err := s.ClearRoom(ctx, ev.Handle); err != nil {
			return err
		}
		return s.ClearRoom(ctx, ev.Partner)
	case matching.EventDisconnected:
		return s.Delete(ctx, ev.Handle)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
