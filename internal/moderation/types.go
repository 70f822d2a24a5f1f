package moderation

// Reasons reported in FilterResult.
const (
	ReasonBlockedKeyword = "blocked_keyword"
	ReasonSpamPattern    = "spam_pattern"
)

// FilterResult is the outcome of checking one piece of text.
type FilterResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"` // blocked_keyword | spam_pattern
	Term    string `json:"term,omitempty"`   // matched term or spam check name
}
