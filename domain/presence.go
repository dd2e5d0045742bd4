package domain

import "time"

// PresenceRecord is what a connected client announces with Track.
type PresenceRecord struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url"`
	OnlineAt  time.Time `json:"online_at"`
}

func NewPresenceRecord(identity Identity, at time.Time) PresenceRecord {
	return PresenceRecord{
		UserID:    identity.ID,
		Username:  identity.Username,
		AvatarURL: identity.AvatarURL,
		OnlineAt:  at.UTC(),
	}
}

// PresenceSnapshot maps a connection key to its stacked presence records.
// Keys are per connected client instance: two tabs of one user are two keys.
type PresenceSnapshot map[string][]PresenceRecord

// Clone returns a deep copy safe to hand to another goroutine.
func (s PresenceSnapshot) Clone() PresenceSnapshot {
	out := make(PresenceSnapshot, len(s))
	for key, records := range s {
		out[key] = append([]PresenceRecord(nil), records...)
	}
	return out
}

type PresenceEvent string

const (
	PresenceSync  PresenceEvent = "sync"
	PresenceJoin  PresenceEvent = "join"
	PresenceLeave PresenceEvent = "leave"
)
