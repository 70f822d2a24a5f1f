// Package report handles abuse reports: the payload the signaling server
// publishes on report.submit and the PostgreSQL store the moderator writes
// them to.
package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duet/roulette/internal/chat"
)

// validReasons matches the CHECK constraint on abuse_reports.reason.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// ValidReason reports whether reason is an accepted report reason.
func ValidReason(reason string) bool {
	return validReasons[reason]
}

// Report is one abuse report filed by a participant against their partner.
type Report struct {
	ID         uuid.UUID              `json:"id"`
	RoomID     string                 `json:"roomId"`
	Reporter   string                 `json:"reporter"`
	Reported   string                 `json:"reported"`
	ReportedIP string                 `json:"reportedIp,omitempty"`
	Reason     string                 `json:"reason"`
	Messages   []chat.BufferedMessage `json:"messages,omitempty"` // recent room chat
	Server     string                 `json:"server,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// New builds a report with a fresh id and timestamp.
func New(roomID, reporter, reported, reason string) *Report {
	return &Report{
		ID:        uuid.New(),
		RoomID:    roomID,
		Reporter:  reporter,
		Reported:  reported,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
}

// Encode serializes the report for report.submit.
func (r *Report) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("report: encode: %w", err)
	}
	return data, nil
}

// Decode parses a report.submit payload and checks the fields the store
// relies on.
func Decode(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("report: decode: %w", err)
	}
	if r.ID == uuid.Nil {
		return nil, fmt.Errorf("report: missing id")
	}
	if r.RoomID == "" || r.Reporter == "" || r.Reported == "" {
		return nil, fmt.Errorf("report: missing room or participants")
	}
	if !ValidReason(r.Reason) {
		return nil, fmt.Errorf("report: invalid reason %q", r.Reason)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return &r, nil
}
