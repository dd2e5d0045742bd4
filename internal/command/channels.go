package command

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewChannelsCmd creates the channels command.
func NewChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			channels := ctx.Directory.List(cmd.Context())

			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(channels)
			}

			out := cmd.OutOrStdout()
			if len(channels) == 0 {
				fmt.Fprintln(out, "No channels")
				return nil
			}
			table := newTable(out, "ID", "Name", "English", "Description")
			for _, channel := range channels {
				table.Append([]string{
					strconv.FormatInt(int64(channel.ID), 10),
					channel.Name,
					channel.NameEn,
					channel.DescriptionEn,
				})
			}
			table.Render()
			return nil
		},
	}
}
