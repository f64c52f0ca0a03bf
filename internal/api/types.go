package api

import "time"

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit bounds how many sessions may be identified.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"` // Milliseconds until Remaining resets
	MaxConcurrency int `json:"max_concurrency"`
}

// ResetAfterDuration returns ResetAfter as a duration.
func (l SessionStartLimit) ResetAfterDuration() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}
