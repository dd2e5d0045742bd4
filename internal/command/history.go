package command

import (
	"fmt"
	"hive-chat/services"
	"time"

	"github.com/spf13/cobra"
)

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <channel-id>",
		Short: "Show the latest messages of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID, err := parseChannelID(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			limit, _ := cmd.Flags().GetInt("limit")
			before, _ := cmd.Flags().GetString("before")
			after, _ := cmd.Flags().GetString("after")

			opts := services.FetchOptions{Limit: limit}
			if opts.Before, err = parseCursor(before); err != nil {
				return writeCommandError(cmd, err)
			}
			if opts.After, err = parseCursor(after); err != nil {
				return writeCommandError(cmd, err)
			}

			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			messages := ctx.History.Fetch(cmd.Context(), channelID, opts)
			p := &printer{out: cmd.OutOrStdout(), jsonMode: ctx.JSONMode}
			if len(messages) == 0 && !ctx.JSONMode {
				p.line("No messages")
				return nil
			}
			for _, message := range messages {
				p.message(message)
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", services.DefaultHistoryLimit, "maximum number of messages")
	cmd.Flags().String("before", "", "only messages created before this RFC3339 time")
	cmd.Flags().String("after", "", "only messages created after this RFC3339 time")
	return cmd
}

func parseCursor(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: %w", value, err)
	}
	return &t, nil
}
