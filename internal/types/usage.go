package types

import "time"

// UsageRecord is one row of token accounting: what a completed call actually
// consumed versus what the estimator predicted, and whether the rewrite
// engine changed the call on the way in.
type UsageRecord struct {
	At           time.Time `json:"at"`
	SessionID    string    `json:"session_id"`
	Role         string    `json:"role"`
	Tool         string    `json:"tool"`
	Method       string    `json:"method"`
	Consumed     int       `json:"consumed"`
	Estimated    int       `json:"estimated"`
	RewriteFired bool      `json:"rewrite_fired"`
	Saved        int       `json:"saved"`
}
