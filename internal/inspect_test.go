package internal

import (
	"hive-chat/domain"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestRowMapper_Describes_Stored_Rows(t *testing.T) {
	req := require.New(t)
	val, err := proto.Marshal(domain.MessageToRow(domain.Message{
		ID:        7,
		ChannelID: 2,
		UserID:    "alice",
		Content:   "hello",
		CreatedAt: time.Now(),
	}))
	req.NoError(err)

	row := RowMapper("row:messages:0000000000000000002:0000000000000000007", val)

	req.Equal("MESSAGES", row.Type)
	req.Equal("#2 alice: hello", row.Detail)
}

func TestRowMapper_Flags_Disabled_Profiles(t *testing.T) {
	req := require.New(t)
	val, err := proto.Marshal(domain.IdentityToRow(domain.Identity{ID: "bob", Username: "bob", IsDisabled: true}))
	req.NoError(err)

	row := RowMapper("row:profiles:bob", val)

	req.Equal("PROFILES", row.Type)
	req.Equal("bob [disabled]", row.Detail)
}

func TestRowMapper_Reports_Undecodable_Values(t *testing.T) {
	row := RowMapper("row:channels:0000000000000000001", []byte{0xff, 0xff})

	require.Equal(t, "Error: unmarshal failed", row.Detail)
}
