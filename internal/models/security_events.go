package models

import "time"

const EventIntegrityFailure = "integrity_failure"

// SecurityEvent is the record published for every rejected request worth
// auditing. Client is the rate limit identity, not necessarily a real IP.
type SecurityEvent struct {
	Type      string    `json:"type"`
	Check     string    `json:"check"`
	Reason    string    `json:"reason"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	Client    string    `json:"client"`
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}
