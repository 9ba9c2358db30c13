package domain

import "time"

// CallConfig is the per-call agent configuration registered when an outbound call
// is created and consumed when the call's media session starts.
type CallConfig struct {
	CallSID          string                 `json:"call_sid"`
	AgentID          string                 `json:"agent_id"`
	DynamicVariables map[string]interface{} `json:"dynamic_variables"`
	ToNumber         string                 `json:"to_number"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Age returns how long the config has existed at now.
func (c *CallConfig) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// Expired reports whether the config is older than maxAge at now.
// A non-positive maxAge never expires.
func (c *CallConfig) Expired(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return c.Age(now) > maxAge
}

// DefaultCallConfig builds the fallback config used when no registered config matches.
func DefaultCallConfig(agentID string) *CallConfig {
	return &CallConfig{
		AgentID:          agentID,
		DynamicVariables: map[string]interface{}{},
	}
}

// Call status values reported by Twilio status callbacks
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// IsTerminalWithoutMedia reports whether a call ended before any media stream could open.
func IsTerminalWithoutMedia(status string) bool {
	switch status {
	case CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled:
		return true
	}
	return false
}
