package domain

import (
	"cmp"
	"fmt"
	"slices"
)

type ChannelID int64

// Channel is read-only for the realtime layer.
type Channel struct {
	ID            ChannelID
	Name          string
	NameEn        string
	Description   string
	DescriptionEn string
	SortOrder     int
}

// Topic is the realtime topic shared by every subscription of a channel.
func Topic(id ChannelID) string {
	return fmt.Sprintf("hive_channel_%d", id)
}

// SortChannels orders channels by (SortOrder asc, ID asc) for a deterministic directory.
func SortChannels(channels []Channel) {
	slices.SortStableFunc(channels, func(a, b Channel) int {
		if c := cmp.Compare(a.SortOrder, b.SortOrder); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
