// Package domain contains core concepts of the chat system.
// This file defines Message events and related rules.
// Messages are immutable once created by the server.
package domain

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

type MessageID int64

// Message represents an immutable chat event.
// ID and CreatedAt are assigned by the server; within a channel
// CreatedAt order is consistent with ID order.
type Message struct {
	ID        MessageID
	ChannelID ChannelID
	UserID    string
	Content   string
	Metadata  *structpb.Struct // opaque, may carry file or workflow references
	CreatedAt time.Time
}

// EnrichedMessage is a Message with its sender profile attached.
type EnrichedMessage struct {
	Message
	Profile Profile
}

func Enrich(message Message, profile Profile) EnrichedMessage {
	return EnrichedMessage{Message: message, Profile: profile}
}
