package models

import "time"

// AgentLiveness holds the most recent heartbeat observed for a role. Only the
// latest value is retained.
type AgentLiveness struct {
	Role          Role           `json:"role"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Fresh reports whether the heartbeat is within the freshness window as of
// now.
func (l *AgentLiveness) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(l.LastHeartbeat) <= window
}
