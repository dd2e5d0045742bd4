package command

import (
	"encoding/json"
	"hive-chat/domain"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

type presencePayload struct {
	ChannelID int64  `json:"channel_id"`
	Name      string `json:"name"`
	Online    int    `json:"online"`
}

// NewPresenceCmd creates the presence command. It observes every channel of the
// directory without announcing itself, then prints the online counts.
func NewPresenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Show how many users are online per channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetDuration("wait")

			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			channels := ctx.Directory.List(cmd.Context())

			var mu sync.Mutex
			counts := make(map[domain.ChannelID]int, len(channels))
			manager := ctx.Orchestrator().Presence()
			manager.Subscribe(channels, func(channelID domain.ChannelID, count int) {
				mu.Lock()
				defer mu.Unlock()
				counts[channelID] = count
			})

			select {
			case <-time.After(wait):
			case <-cmd.Context().Done():
			}
			manager.Unsubscribe()

			mu.Lock()
			defer mu.Unlock()
			if ctx.JSONMode {
				payload := make([]presencePayload, 0, len(channels))
				for _, channel := range channels {
					payload = append(payload, presencePayload{
						ChannelID: int64(channel.ID),
						Name:      channel.Name,
						Online:    counts[channel.ID],
					})
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(payload)
			}

			table := newTable(cmd.OutOrStdout(), "ID", "Name", "Online")
			for _, channel := range channels {
				table.Append([]string{
					strconv.FormatInt(int64(channel.ID), 10),
					channel.Name,
					strconv.Itoa(counts[channel.ID]),
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().Duration("wait", 2*time.Second, "how long to observe presence before printing")
	return cmd
}
