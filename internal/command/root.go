// Package command holds the cobra commands of the hive client.
package command

import (
	"os"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

const AppName = "hive"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Hive - realtime channel client",
		Long:          "Hive joins chat channels, tails messages live and shows who is online.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
				color.Enable = false
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().Bool("json", false, "output in JSON format")
	cmd.PersistentFlags().Bool("no-color", false, "disable coloured output")

	cmd.AddCommand(
		NewChannelsCmd(),
		NewHistoryCmd(),
		NewSendCmd(),
		NewJoinCmd(),
		NewPresenceCmd(),
		NewProfileCmd(),
		NewHealthCmd(),
		NewInspectCmd(),
	)

	return cmd
}

func Execute() error {
	return NewRootCmd(Version).Execute()
}
