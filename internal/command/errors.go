package command

import (
	goerrors "errors"
	"fmt"
	"hive-chat/errors"

	"github.com/spf13/cobra"
)

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())

	if goerrors.Is(err, errors.ErrNotConnected) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Hint: is hived running? Check HIVE_URL.")
	}

	return err
}
