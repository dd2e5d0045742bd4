package command

import (
	"bufio"
	"context"
	"fmt"
	"hive-chat/domain"
	"hive-chat/runtime"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// NewJoinCmd creates the join command: a live tail of one channel. Lines read
// from stdin are sent as messages.
func NewJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <channel-id>",
		Short: "Join a channel and tail it live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID, err := parseChannelID(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			readOnly, _ := cmd.Flags().GetBool("read-only")
			duration, _ := cmd.Flags().GetDuration("for")

			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(runCtx, duration)
				defer cancel()
			}

			p := &printer{out: cmd.OutOrStdout(), jsonMode: ctx.JSONMode}
			identity := ctx.Identity.LoginOrRestore(runCtx)
			if !ctx.JSONMode {
				p.line("Joining channel %d as %s (ctrl-c to leave)", channelID, nameStyle.Render(identity.Username))
			}

			live := ctx.Orchestrator().NewLiveChannel(channelID, runtime.SessionCallbacks{
				OnMessage: p.message,
				OnPresence: func(count int) {
					if !ctx.JSONMode {
						p.line("%s online", timeStyle.Render(pluralize(count, "user")))
					}
				},
				OnStatus: func(status domain.SubscriptionStatus) {
					if !ctx.JSONMode {
						p.line("%s", formatStatus(status))
					}
				},
				OnVisibility: func(result runtime.VisibilityResult) {
					if result == runtime.NotYetVisible && !ctx.JSONMode {
						p.line("%s", errorStyle.Render("presence not confirmed yet"))
					}
				},
			})
			live.Open(runCtx)
			defer live.Close()

			if !readOnly {
				go readInput(runCtx, cmd, live, p)
			}
			<-runCtx.Done()
			return nil
		},
	}

	cmd.Flags().Bool("read-only", false, "do not read messages from stdin")
	cmd.Flags().Duration("for", 0, "leave after this duration (0 tails until interrupted)")
	return cmd
}

func readInput(ctx context.Context, cmd *cobra.Command, live *runtime.LiveChannel, p *printer) {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		content := strings.TrimSpace(scanner.Text())
		if content == "" {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if _, err := live.Send(sendCtx, content, nil); err != nil {
			p.line("%s", errorStyle.Render("send failed: "+err.Error()))
		}
		cancel()
	}
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
