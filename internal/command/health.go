package command

import (
	"context"
	"fmt"
	"hive-chat/internal"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewHealthCmd creates the health command.
func NewHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the server is serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := internal.LoadClientConfig()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			addr := config.HealthAddr
			if flag, _ := cmd.Flags().GetString("addr"); flag != "" {
				addr = flag
			}

			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), config.RequestTimeout)
			defer cancel()
			resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
			if err != nil {
				return writeCommandError(cmd, fmt.Errorf("health check on %s: %w", addr, err))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", addr, formatServing(resp.GetStatus()))
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("server is %s", resp.GetStatus())
			}
			return nil
		},
	}

	cmd.Flags().String("addr", "", "health address (defaults to HIVE_HEALTH_ADDR)")
	return cmd
}

func formatServing(status healthpb.HealthCheckResponse_ServingStatus) string {
	if status == healthpb.HealthCheckResponse_SERVING {
		return statusStyle.Render(" " + status.String() + " ")
	}
	return errorStyle.Render(status.String())
}
