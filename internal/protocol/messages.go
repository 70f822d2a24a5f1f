// Package protocol defines the WebSocket message types exchanged between the
// browser client and the signaling server. Every message is a JSON object
// whose "type" field names the event; the remaining fields are the payload.
//
// Client authors: media-toggle carries the track kind in "media", not in a
// second "type" field, because "type" always names the message:
//
//	{"type":"media-toggle","roomId":"...","media":"video","enabled":false}
//
// A media-toggle shaped as {"type":"video",...} is not a media-toggle at all
// and is answered with a parse_error.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeFindMatch    = "find-match"
	TypeLeaveRoom    = "leave-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeChatMessage  = "chat-message"
	TypeMediaToggle  = "media-toggle"
	TypeReport       = "report"
	TypePing         = "ping"
)

// Server -> Client message types. Relayed signaling reuses the client types.
const (
	TypeSessionCreated  = "session-created"
	TypeWaitingForMatch = "waiting-for-match"
	TypeMatchFound      = "match-found"
	TypePartnerLeft     = "partner-left"
	TypeRateLimited     = "rate-limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ProfileMsg is the optional profile block of a find-match request.
type ProfileMsg struct {
	DisplayName        string   `json:"displayName,omitempty"`
	Gender             string   `json:"gender,omitempty"`
	GenderPreference   string   `json:"genderPreference,omitempty"`
	Country            string   `json:"country,omitempty"`
	PreferredCountries []string `json:"preferredCountries,omitempty"`
	CountryFilter      string   `json:"countryFilter,omitempty"`
}

// FindMatchMsg asks the server for a partner. Preference fields may be sent
// either inside Profile or at the top level; top-level values win.
type FindMatchMsg struct {
	Type               string      `json:"type"`
	Timestamp          int64       `json:"timestamp"`
	Profile            *ProfileMsg `json:"profile,omitempty"`
	Gender             string      `json:"gender,omitempty"`
	GenderPreference   string      `json:"genderPreference,omitempty"`
	Country            string      `json:"country,omitempty"`
	PreferredCountries []string    `json:"preferredCountries,omitempty"`
	CountryFilter      string      `json:"countryFilter,omitempty"`
}

// MergedProfile folds the top-level preference fields over Profile.
func (m FindMatchMsg) MergedProfile() ProfileMsg {
	var p ProfileMsg
	if m.Profile != nil {
		p = *m.Profile
	}
	if m.Gender != "" {
		p.Gender = m.Gender
	}
	if m.GenderPreference != "" {
		p.GenderPreference = m.GenderPreference
	}
	if m.Country != "" {
		p.Country = m.Country
	}
	if len(m.PreferredCountries) > 0 {
		p.PreferredCountries = m.PreferredCountries
	}
	if m.CountryFilter != "" {
		p.CountryFilter = m.CountryFilter
	}
	return p
}

// LeaveRoomMsg ends the current session. IsSkip asks for a new partner for
// the one left behind.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	IsSkip bool   `json:"isSkip,omitempty"`
}

// OfferMsg carries an SDP offer. The same struct is relayed to the partner.
type OfferMsg struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId"`
	Offer  json.RawMessage `json:"offer"`
}

// AnswerMsg carries an SDP answer.
type AnswerMsg struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId"`
	Answer json.RawMessage `json:"answer"`
}

// ICECandidateMsg carries one trickled ICE candidate.
type ICECandidateMsg struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	Candidate json.RawMessage `json:"candidate"`
}

// ChatMessageMsg is a text message for the partner.
type ChatMessageMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// MediaToggleMsg announces that the sender switched a track on or off.
// Media is "video" or "audio"; "type" is taken by the envelope.
type MediaToggleMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Media   string `json:"media"`
	Enabled bool   `json:"enabled"`
}

// ReportMsg reports the current partner for abuse.
type ReportMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg tells the client its connection handle.
type SessionCreatedMsg struct {
	SessionID string `json:"sessionId"`
}

// WaitingForMatchMsg confirms the client is in the waiting pool.
type WaitingForMatchMsg struct{}

// MatchFoundMsg announces a new room. Exactly one side is the initiator and
// creates the WebRTC offer.
type MatchFoundMsg struct {
	RoomID      string `json:"roomId"`
	IsInitiator bool   `json:"isInitiator"`
}

// PartnerLeftMsg tells the remaining participant the session is over.
type PartnerLeftMsg struct{}

// ServerChatMsg is a chat message relayed from the partner.
type ServerChatMsg struct {
	Message string `json:"message"`
}

// RateLimitedMsg is sent when a request was throttled.
type RateLimitedMsg struct {
	RetryAfter int `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOffer:
		var m OfferMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAnswer:
		var m AnswerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeICECandidate:
		var m ICECandidateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatMessage:
		var m ChatMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMediaToggle:
		var m MediaToggleMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.Media != "video" && m.Media != "audio" {
			err = fmt.Errorf("unknown media %q", m.Media)
		}
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload as a JSON object and sets its "type"
// field to msgType. Numbers inside raw payloads (SDP, ICE) are kept as
// written.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := make(map[string]interface{})
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
