package command

import (
	"hive-chat/domain"
	"hive-chat/services"
	"strings"

	"github.com/spf13/cobra"
)

// NewSendCmd creates the send command.
func NewSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <channel-id> <message...>",
		Short: "Send a message to a channel",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID, err := parseChannelID(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}

			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			identity := ctx.Identity.LoginOrRestore(cmd.Context())
			message, err := ctx.Messages.Send(cmd.Context(), services.SendRequest{
				ChannelID: channelID,
				UserID:    identity.ID,
				Content:   strings.Join(args[1:], " "),
			})
			if err != nil {
				return writeCommandError(cmd, err)
			}

			p := &printer{out: cmd.OutOrStdout(), jsonMode: ctx.JSONMode}
			if ctx.JSONMode {
				p.json(toMessagePayload(domain.Enrich(message, identity.Profile())))
				return nil
			}
			p.line("Sent #%d to channel %d as %s", message.ID, channelID, identity.Username)
			return nil
		},
	}
}
