package runtime

import "time"

// Config holds the timing tunables of sessions, presence and reconnects.
type Config struct {
	Visibility              VisibilityPolicy
	PresenceInitialDelay    time.Duration
	PresenceRefreshInterval time.Duration
	ReconnectDelay          time.Duration
	ReconnectRetryDelay     time.Duration
	HistoryLimit            int
	// InboxSize bounds the per-session event queues.
	InboxSize int
}

func DefaultConfig() Config {
	return Config{
		Visibility:              DefaultVisibilityPolicy(),
		PresenceInitialDelay:    500 * time.Millisecond,
		PresenceRefreshInterval: 5 * time.Second,
		ReconnectDelay:          3 * time.Second,
		ReconnectRetryDelay:     5 * time.Second,
		HistoryLimit:            50,
		InboxSize:               256,
	}
}
