package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/duet/roulette/internal/chat"
)

// ErrNotFound is returned by Get when no report has the given id.
var ErrNotFound = errors.New("report: not found")

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the lib/pq driver and verifies the
// connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("report: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report. A report whose id is already stored is ignored,
// so redelivered report.submit messages are harmless.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if !ValidReason(r.Reason) {
		return fmt.Errorf("report: invalid reason %q", r.Reason)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	messages := r.Messages
	if messages == nil {
		messages = []chat.BufferedMessage{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("report: marshal messages: %w", err)
	}

	const query = `
		INSERT INTO abuse_reports (id, room_id, reporter, reported, reported_ip, reason, messages, server, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err = s.db.ExecContext(ctx, query,
		r.ID.String(),
		r.RoomID,
		r.Reporter,
		r.Reported,
		r.ReportedIP,
		r.Reason,
		messagesJSON,
		r.Server,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// Get returns the report with the given id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Report, error) {
	const query = `
		SELECT id, room_id, reporter, reported, reported_ip, reason, messages, server, created_at
		FROM abuse_reports
		WHERE id = $1`

	r, err := scanReport(s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("report: get: %w", err)
	}
	return r, nil
}

// ListByRoom returns the reports filed for a room, oldest first.
func (s *Store) ListByRoom(ctx context.Context, roomID string) ([]*Report, error) {
	const query = `
		SELECT id, room_id, reporter, reported, reported_ip, reason, messages, server, created_at
		FROM abuse_reports
		WHERE room_id = $1
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("report: list scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	return out, nil
}

// CountRecentByIP returns the number of reports filed against an address
// within the given window.
func (s *Store) CountRecentByIP(ctx context.Context, ip string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_ip = $1
		  AND created_at >= $2`

	var count int
	err := s.db.QueryRowContext(ctx, query, ip, time.Now().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row rowScanner) (*Report, error) {
	var (
		r        Report
		id       string
		messages []byte
	)
	if err := row.Scan(&id, &r.RoomID, &r.Reporter, &r.Reported, &r.ReportedIP,
		&r.Reason, &messages, &r.Server, &r.CreatedAt); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("report: bad id %q: %w", id, err)
	}
	r.ID = parsed

	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &r.Messages); err != nil {
			return nil, fmt.Errorf("report: unmarshal messages: %w", err)
		}
	}
	return &r, nil
}
