// Package runtime handles live channel sessions, presence subscriptions and reconnects.
// It orchestrates the realtime layer without containing storage or transport details.
package runtime

import (
	"context"
	"hive-chat/contract"
	"hive-chat/domain"
	"hive-chat/services"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Services are the collaborators a caller context needs.
type Services struct {
	Identity services.IIdentityService
	Profiles contract.ProfileResolver
	History  services.IHistoryService
	Messages services.IMessageService
}

// Orchestrator is the explicit per-caller context of the realtime layer: it
// owns the sessions, the presence manager and every handle they hold.
// Independent orchestrators share nothing.
type Orchestrator struct {
	log        *slog.Logger
	cfg        Config
	backend    contract.Backend
	services   Services
	registry   *Registry
	supervisor contract.ISupervisor
	presence   *PresenceManager
	now        func() time.Time

	joinMu   sync.Mutex
	mu       sync.Mutex
	sessions map[domain.ChannelID]*ChannelSession
}

func NewOrchestrator(log *slog.Logger, cfg Config, backend contract.Backend,
	svc Services, supervisor contract.ISupervisor) *Orchestrator {
	registry := NewRegistry()
	return &Orchestrator{
		log:        log,
		cfg:        cfg,
		backend:    backend,
		services:   svc,
		registry:   registry,
		supervisor: supervisor,
		presence:   NewPresenceManager(log, cfg, backend, registry, supervisor),
		now:        time.Now,
		sessions:   make(map[domain.ChannelID]*ChannelSession),
	}
}

// JoinChannel opens a session on the channel. A session already open on the
// same channel is left first, so one channel never has two sessions.
// rendered may be nil when the caller does not render optimistically.
func (o *Orchestrator) JoinChannel(ctx context.Context, channelID domain.ChannelID,
	rendered contract.RenderedSet, callbacks SessionCallbacks) *ChannelSession {
	identity := o.identity(ctx)

	o.joinMu.Lock()
	defer o.joinMu.Unlock()

	o.mu.Lock()
	previous := o.sessions[channelID]
	o.mu.Unlock()
	previous.Leave()

	sub := o.backend.Channel(domain.Topic(channelID))
	if err := o.registry.Register(OwnerSession, sub); err != nil {
		o.log.Error("Failed to register session handle", "channel_id", channelID, "error", err)
		if err = o.backend.RemoveChannel(sub); err != nil {
			o.log.Warn("Failed to remove rejected subscription", "channel_id", channelID, "error", err)
		}
		return nil
	}

	var session *ChannelSession
	session = newChannelSession(o.log, sessionParams{
		channelID: channelID,
		sub:       sub,
		identity:  identity,
		profiles:  o.services.Profiles,
		rendered:  rendered,
		callbacks: callbacks,
		cfg:       o.cfg,
		timers:    o.registry,
		now:       o.now,
		release: func() error {
			o.forget(channelID, session)
			o.registry.Unregister(OwnerSession, sub)
			return o.backend.RemoveChannel(sub)
		},
	})

	o.mu.Lock()
	o.sessions[channelID] = session
	o.mu.Unlock()

	session.start()
	o.log.Info("Joined channel", "channel_id", channelID, "user_id", identity.ID)
	return session
}

// LeaveChannel is a no-op on nil or already left sessions.
func (o *Orchestrator) LeaveChannel(session *ChannelSession) {
	session.Leave()
}

// Session returns the open session of a channel.
func (o *Orchestrator) Session(channelID domain.ChannelID) (*ChannelSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	session, ok := o.sessions[channelID]
	return session, ok
}

func (o *Orchestrator) Presence() *PresenceManager {
	return o.presence
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Close leaves every session, drops every presence subscription, then stops
// the supervised refresh workers and waits for them.
func (o *Orchestrator) Close() {
	o.log.Info("Closing realtime orchestrator")
	o.mu.Lock()
	sessions := lo.Values(o.sessions)
	o.mu.Unlock()
	for _, session := range sessions {
		session.Leave()
	}
	o.presence.Unsubscribe()
	o.supervisor.Stop()
	o.supervisor.Wait()
}

func (o *Orchestrator) forget(channelID domain.ChannelID, session *ChannelSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessions[channelID] == session {
		delete(o.sessions, channelID)
	}
}

func (o *Orchestrator) identity(ctx context.Context) domain.Identity {
	if identity, ok := o.services.Identity.Current(); ok {
		return identity
	}
	return o.services.Identity.LoginOrRestore(ctx)
}
