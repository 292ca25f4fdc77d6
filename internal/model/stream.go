package model

import "time"

// Stream is the live broadcast attached to an online channel. The beacon
// URL is opaque and refreshed on every stream info fetch.
type Stream struct {
	BroadcastID  string    `json:"broadcast_id"`
	Title        string    `json:"title,omitempty"`
	Viewers      int       `json:"viewers"`
	BeaconURL    string    `json:"beacon_url,omitempty"`
	DropsEnabled bool      `json:"drops_enabled"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}
