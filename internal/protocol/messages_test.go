package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: find-match profile merging
// ---------------------------------------------------------------------------

func TestParseClientMessage_FindMatch(t *testing.T) {
	input := []byte(`{"type":"find-match","timestamp":1700000000000,
		"profile":{"displayName":"Sam","gender":"female","country":"US","countryFilter":"de"},
		"genderPreference":"male","countryFilter":"any"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeFindMatch {
		t.Fatalf("expected type %q, got %q", TypeFindMatch, msgType)
	}

	fm, ok := msg.(FindMatchMsg)
	if !ok {
		t.Fatalf("expected FindMatchMsg, got %T", msg)
	}
	p := fm.MergedProfile()
	if p.DisplayName != "Sam" || p.Gender != "female" || p.Country != "US" {
		t.Errorf("profile fields lost: %+v", p)
	}
	if p.GenderPreference != "male" {
		t.Errorf("expected top-level genderPreference, got %q", p.GenderPreference)
	}
	if p.CountryFilter != "any" {
		t.Errorf("top-level countryFilter should win, got %q", p.CountryFilter)
	}
}

func TestFindMatchMsg_MergedProfileWithoutProfile(t *testing.T) {
	fm := FindMatchMsg{Gender: "male", PreferredCountries: []string{"fr"}}
	p := fm.MergedProfile()
	if p.Gender != "male" || len(p.PreferredCountries) != 1 {
		t.Errorf("unexpected merged profile: %+v", p)
	}
}

// ---------------------------------------------------------------------------
// Test: signaling payloads are kept verbatim
// ---------------------------------------------------------------------------

func TestParseClientMessage_OfferKeepsRawSDP(t *testing.T) {
	input := []byte(`{"type":"offer","roomId":"room_a_b","offer":{"type":"offer","sdp":"v=0\r\n"}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	om := msg.(OfferMsg)
	if om.RoomID != "room_a_b" {
		t.Errorf("expected roomId room_a_b, got %q", om.RoomID)
	}
	if !strings.Contains(string(om.Offer), `"sdp":"v=0\r\n"`) {
		t.Errorf("offer not kept verbatim: %s", om.Offer)
	}
}

func TestParseClientMessage_MediaToggle(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"video", `{"type":"media-toggle","roomId":"r","media":"video","enabled":false}`, false},
		{"audio", `{"type":"media-toggle","roomId":"r","media":"audio","enabled":true}`, false},
		{"unknown media", `{"type":"media-toggle","roomId":"r","media":"screen","enabled":true}`, true},
		{"missing media", `{"type":"media-toggle","roomId":"r","enabled":true}`, true},
		{"kind in type field", `{"type":"video","roomId":"r","enabled":false}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tc.input))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				if msg != nil {
					t.Errorf("expected nil message on error, got %v", msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Creating server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_MatchFound(t *testing.T) {
	data, err := NewServerMessage(TypeMatchFound, MatchFoundMsg{RoomID: "room_a_b", IsInitiator: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMatchFound {
		t.Errorf("expected type %q, got %v", TypeMatchFound, result["type"])
	}
	if result["roomId"] != "room_a_b" {
		t.Errorf("expected roomId %q, got %v", "room_a_b", result["roomId"])
	}
	if result["isInitiator"] != true {
		t.Errorf("expected isInitiator true, got %v", result["isInitiator"])
	}
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	for _, payload := range []interface{}{WaitingForMatchMsg{}, PartnerLeftMsg{}, nil} {
		data, err := NewServerMessage(TypePartnerLeft, payload)
		if err != nil {
			t.Fatalf("unexpected error for %T: %v", payload, err)
		}
		if string(data) != `{"type":"partner-left"}` {
			t.Errorf("unexpected encoding for %T: %s", payload, data)
		}
	}
}

func TestNewServerMessage_RelayedTypeWins(t *testing.T) {
	// The inbound struct carries its own type; the relayed message must
	// carry the type the server chose.
	in := ICECandidateMsg{Type: "bogus", RoomID: "r", Candidate: json.RawMessage(`{"sdpMLineIndex":0}`)}
	data, err := NewServerMessage(TypeICECandidate, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"type":"ice-candidate"`) {
		t.Errorf("type not overwritten: %s", data)
	}
}

func TestNewServerMessage_KeepsLargeNumbers(t *testing.T) {
	in := ICECandidateMsg{RoomID: "r", Candidate: json.RawMessage(`{"priority":9007199254740993}`)}
	data, err := NewServerMessage(TypeICECandidate, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), "9007199254740993") {
		t.Errorf("number changed during encoding: %s", data)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_ServerTypeRejected(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"match-found","roomId":"r"}`)); err == nil {
		t.Fatal("server-only types must not be accepted from clients")
	}
}

func TestParseClientMessage_WrongFieldType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"leave-room","isSkip":"yes"}`)); err == nil {
		t.Fatal("expected a decode error")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"find-match", `{"type":"find-match","timestamp":1}`, TypeFindMatch},
		{"leave-room", `{"type":"leave-room","roomId":"r","isSkip":true}`, TypeLeaveRoom},
		{"offer", `{"type":"offer","roomId":"r","offer":{}}`, TypeOffer},
		{"answer", `{"type":"answer","roomId":"r","answer":{}}`, TypeAnswer},
		{"ice-candidate", `{"type":"ice-candidate","roomId":"r","candidate":{}}`, TypeICECandidate},
		{"chat-message", `{"type":"chat-message","roomId":"r","message":"hi"}`, TypeChatMessage},
		{"media-toggle", `{"type":"media-toggle","roomId":"r","media":"audio","enabled":true}`, TypeMediaToggle},
		{"report", `{"type":"report","roomId":"r","reason":"spam"}`, TypeReport},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
