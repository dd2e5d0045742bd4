package domain

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// TimestampLayout is fixed-width so that stored timestamps sort lexicographically.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

const (
	ColID            = "id"
	ColChannelID     = "channel_id"
	ColUserID        = "user_id"
	ColContent       = "content"
	ColMetadata      = "metadata"
	ColCreatedAt     = "created_at"
	ColName          = "name"
	ColNameEn        = "name_en"
	ColDescription   = "description"
	ColDescriptionEn = "description_en"
	ColSortOrder     = "sort_order"
	ColUsername      = "username"
	ColAvatarURL     = "avatar_url"
	ColIsDisabled    = "is_disabled"
)

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		// Rows coming from other writers may carry plain RFC3339.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func TimestampValue(t time.Time) *structpb.Value {
	return structpb.NewStringValue(FormatTimestamp(t))
}

func ChannelIDValue(id ChannelID) *structpb.Value {
	return structpb.NewNumberValue(float64(id))
}

// MessageToRow encodes a message for insertion. Server-assigned fields
// (id, created_at) are left out when zero.
func MessageToRow(m Message) *structpb.Struct {
	fields := map[string]*structpb.Value{
		ColChannelID: ChannelIDValue(m.ChannelID),
		ColUserID:    structpb.NewStringValue(m.UserID),
		ColContent:   structpb.NewStringValue(m.Content),
	}
	if m.ID != 0 {
		fields[ColID] = structpb.NewNumberValue(float64(m.ID))
	}
	if !m.CreatedAt.IsZero() {
		fields[ColCreatedAt] = TimestampValue(m.CreatedAt)
	}
	if m.Metadata != nil {
		fields[ColMetadata] = structpb.NewStructValue(m.Metadata)
	} else {
		fields[ColMetadata] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{}})
	}
	return &structpb.Struct{Fields: fields}
}

func MessageFromRow(row *structpb.Struct) (Message, error) {
	fields := row.GetFields()
	createdAt, err := ParseTimestamp(fields[ColCreatedAt].GetStringValue())
	if err != nil {
		return Message{}, fmt.Errorf("invalid %s: %w", ColCreatedAt, err)
	}
	return Message{
		ID:        MessageID(fields[ColID].GetNumberValue()),
		ChannelID: ChannelID(fields[ColChannelID].GetNumberValue()),
		UserID:    fields[ColUserID].GetStringValue(),
		Content:   fields[ColContent].GetStringValue(),
		Metadata:  fields[ColMetadata].GetStructValue(),
		CreatedAt: createdAt,
	}, nil
}

func ChannelToRow(c Channel) *structpb.Struct {
	fields := map[string]*structpb.Value{
		ColName:          structpb.NewStringValue(c.Name),
		ColNameEn:        structpb.NewStringValue(c.NameEn),
		ColDescription:   structpb.NewStringValue(c.Description),
		ColDescriptionEn: structpb.NewStringValue(c.DescriptionEn),
		ColSortOrder:     structpb.NewNumberValue(float64(c.SortOrder)),
	}
	if c.ID != 0 {
		fields[ColID] = ChannelIDValue(c.ID)
	}
	return &structpb.Struct{Fields: fields}
}

func ChannelFromRow(row *structpb.Struct) Channel {
	fields := row.GetFields()
	return Channel{
		ID:            ChannelID(fields[ColID].GetNumberValue()),
		Name:          fields[ColName].GetStringValue(),
		NameEn:        fields[ColNameEn].GetStringValue(),
		Description:   fields[ColDescription].GetStringValue(),
		DescriptionEn: fields[ColDescriptionEn].GetStringValue(),
		SortOrder:     int(fields[ColSortOrder].GetNumberValue()),
	}
}

func IdentityToRow(i Identity) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		ColID:         structpb.NewStringValue(i.ID),
		ColUsername:   structpb.NewStringValue(i.Username),
		ColAvatarURL:  structpb.NewStringValue(i.AvatarURL),
		ColIsDisabled: structpb.NewBoolValue(i.IsDisabled),
	}}
}

func IdentityFromRow(row *structpb.Struct) Identity {
	fields := row.GetFields()
	return Identity{
		ID:         fields[ColID].GetStringValue(),
		Username:   fields[ColUsername].GetStringValue(),
		AvatarURL:  fields[ColAvatarURL].GetStringValue(),
		IsDisabled: fields[ColIsDisabled].GetBoolValue(),
	}
}

func ProfileFromRow(row *structpb.Struct) Profile {
	return IdentityFromRow(row).Profile()
}
