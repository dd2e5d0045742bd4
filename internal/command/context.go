package command

import (
	"fmt"
	"hive-chat/domain"
	"hive-chat/infrastructure/storage"
	"hive-chat/infrastructure/websocket"
	"hive-chat/internal"
	"hive-chat/runtime"
	"hive-chat/runtime/workers"
	"hive-chat/services"
	"log/slog"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"
)

// CommandContext provides shared command resources.
type CommandContext struct {
	Config    internal.ClientConfig
	Log       *slog.Logger
	JSONMode  bool
	Client    *websocket.Client
	Profiles  *services.ProfileService
	Identity  *services.IdentityService
	Directory *services.DirectoryService
	History   *services.HistoryService
	Messages  *services.MessageService

	db           *badger.DB
	orchestrator *runtime.Orchestrator
}

// GetContext loads the client config, opens the local identity store and
// prepares a lazy connection to the server.
func GetContext(cmd *cobra.Command) (*CommandContext, error) {
	config, err := internal.LoadClientConfig()
	if err != nil {
		return nil, err
	}
	jsonMode, _ := cmd.Flags().GetBool("json")
	log := logs.GetLoggerFromString(config.LogLevel)

	db, err := storage.OpenBadger(config.IdentityPath)
	if err != nil {
		return nil, err
	}

	client := websocket.NewClient(log, config.ServerURL, config.RequestTimeout)
	profiles := services.NewProfileService(log, client)
	return &CommandContext{
		Config:    config,
		Log:       log,
		JSONMode:  jsonMode,
		Client:    client,
		Profiles:  profiles,
		Identity:  services.NewIdentityService(log, client, storage.NewIdentityStore(db, log), profiles),
		Directory: services.NewDirectoryService(log, client),
		History:   services.NewHistoryService(log, client, profiles),
		Messages:  services.NewMessageService(log, client),
		db:        db,
	}, nil
}

// Orchestrator builds the realtime context on first use.
func (c *CommandContext) Orchestrator() *runtime.Orchestrator {
	if c.orchestrator == nil {
		c.orchestrator = runtime.NewOrchestrator(c.Log, c.Config.Runtime(), c.Client, runtime.Services{
			Identity: c.Identity,
			Profiles: c.Profiles,
			History:  c.History,
			Messages: c.Messages,
		}, workers.NewSupervisor(c.Log))
	}
	return c.orchestrator
}

// Close leaves every channel, then releases the connection and the local store.
func (c *CommandContext) Close() {
	if c.orchestrator != nil {
		c.orchestrator.Close()
	}
	_ = c.Client.Close()
	_ = c.db.Close()
}

func parseChannelID(arg string) (domain.ChannelID, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid channel id %q", arg)
	}
	return domain.ChannelID(id), nil
}
