// Package domain contains core concepts of the chat system.
// This file defines Identity and Profile entities and related invariants.
// No runtime, network, or UI logic should be added here.
package domain

import (
	"fmt"
	"net/url"
)

const avatarBaseURL = "https://api.dicebear.com/7.x/avataaars/svg"

// Identity is the local guest identity used to tag outgoing presence and messages.
// ID never changes once created.
type Identity struct {
	ID         string
	Username   string
	AvatarURL  string
	IsDisabled bool
}

// Profile is the public display information of a user.
type Profile struct {
	ID        string
	Username  string
	AvatarURL string
}

func (i Identity) Profile() Profile {
	return Profile{ID: i.ID, Username: i.Username, AvatarURL: i.AvatarURL}
}

// ProfileUpdate carries the optional fields of a profile edit.
// Nil fields are left untouched.
type ProfileUpdate struct {
	Username  *string `validate:"omitempty,min=1,max=32"`
	AvatarURL *string `validate:"omitempty,url"`
}

func (u ProfileUpdate) Empty() bool {
	return u.Username == nil && u.AvatarURL == nil
}

// Apply returns a copy of the identity with the non-nil fields of the update.
func (u ProfileUpdate) Apply(identity Identity) Identity {
	if u.Username != nil {
		identity.Username = *u.Username
	}
	if u.AvatarURL != nil {
		identity.AvatarURL = *u.AvatarURL
	}
	return identity
}

// AvatarURL builds a deterministic avatar URL from a seed.
func AvatarURL(seed string) string {
	return fmt.Sprintf("%s?seed=%s", avatarBaseURL, url.QueryEscape(seed))
}

// UnknownProfile is displayed when a sender cannot be resolved.
func UnknownProfile(userID string) Profile {
	return Profile{ID: userID, Username: "Unknown", AvatarURL: AvatarURL("unknown")}
}
