package bluetooth

import (
	"time"
)

// Command is a single-character write queued for the car.
type Command struct {
	Char      string
	Timestamp time.Time
	Retries   int
	ID        string // Unique identifier for the command
}

// RateLimitConfig bounds how fast queued commands reach the serial link.
// Cheap UART bridges drop bytes when commands arrive back to back.
type RateLimitConfig struct {
	MaxCommandsPerSecond int
	BurstSize            int
	MinSendGap           time.Duration
}

// DefaultRateLimitConfig returns a sensible default rate limiting configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MaxCommandsPerSecond: 20,
		BurstSize:            5,
		MinSendGap:           50 * time.Millisecond,
	}
}

// LinkStatus is a snapshot of the connection state machine. Connected is
// the one flag the UI trusts.
type LinkStatus struct {
	Connected     bool   `json:"connected"`
	AutoReconnect bool   `json:"autoReconnect"`
	Address       string `json:"address,omitempty"`
	Name          string `json:"name,omitempty"`
	Transport     string `json:"transport,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	ConnectedAt   int64  `json:"connectedAt,omitempty"`
	UptimeSeconds int64  `json:"uptimeSeconds,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}
