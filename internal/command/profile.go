package command

import (
	"encoding/json"
	"hive-chat/domain"

	"github.com/spf13/cobra"
)

// NewProfileCmd creates the profile command.
func NewProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or update your profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			identity := ctx.Identity.LoginOrRestore(cmd.Context())

			var update domain.ProfileUpdate
			if cmd.Flags().Changed("username") {
				username, _ := cmd.Flags().GetString("username")
				update.Username = &username
			}
			if cmd.Flags().Changed("avatar") {
				avatar, _ := cmd.Flags().GetString("avatar")
				update.AvatarURL = &avatar
			}
			if !update.Empty() {
				if identity, err = ctx.Identity.UpdateProfile(cmd.Context(), identity.ID, update); err != nil {
					return writeCommandError(cmd, err)
				}
			}

			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(identity.Profile())
			}
			p := &printer{out: cmd.OutOrStdout()}
			p.line("ID:       %s", identity.ID)
			p.line("Username: %s", nameStyle.Render(identity.Username))
			p.line("Avatar:   %s", identity.AvatarURL)
			return nil
		},
	}

	cmd.Flags().String("username", "", "new username")
	cmd.Flags().String("avatar", "", "new avatar URL")
	return cmd
}
