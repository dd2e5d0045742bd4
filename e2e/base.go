package e2e

import (
	"context"
	"fmt"
	"hive-chat/infrastructure/websocket"
	"hive-chat/runtime"
	"hive-chat/runtime/workers"
	"hive-chat/services"
	"log/slog"
	"time"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"
)

type BaseSuite struct {
	suite.Suite
	Config Config
	Log    *slog.Logger
}

// SetupSuite loads the environment configuration and skips when no server is configured.
func (s *BaseSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.ServerURL == "" {
		s.T().Skip("HIVE_URL not set, skipping end-to-end scenarios")
	}
	s.Log = logs.GetLoggerFromString("WARN")
}

// Step prints a colorized header for a scenario step.
func (s *BaseSuite) Step(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

// Caller is one independent client: its own connection, identity and orchestrator.
type Caller struct {
	Client       *websocket.Client
	Identity     *services.IdentityService
	Orchestrator *runtime.Orchestrator
}

// WithCaller runs fn with a fresh in-memory guest connected to the server.
func (s *BaseSuite) WithCaller(name string, fn func(ctx context.Context, caller Caller)) {
	s.Step(name)
	client := websocket.NewClient(s.Log, s.Config.ServerURL, 10*time.Second)
	defer func() { _ = client.Close() }()

	profiles := services.NewProfileService(s.Log, client)
	identity := services.NewIdentityService(s.Log, client, nil, profiles)
	cfg := runtime.DefaultConfig()
	cfg.Visibility = runtime.VisibilityPolicy{Attempts: 5, Step: 100 * time.Millisecond}
	cfg.PresenceInitialDelay = 100 * time.Millisecond
	orchestrator := runtime.NewOrchestrator(s.Log, cfg, client, runtime.Services{
		Identity: identity,
		Profiles: profiles,
		History:  services.NewHistoryService(s.Log, client, profiles),
		Messages: services.NewMessageService(s.Log, client),
	}, workers.NewSupervisor(s.Log))
	defer orchestrator.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	fn(ctx, Caller{Client: client, Identity: identity, Orchestrator: orchestrator})
}
