package runtime

import (
	"context"
	"fmt"
	"hive-chat/contract"
	"hive-chat/domain"
	"hive-chat/presence"
	"hive-chat/runtime/workers"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

// ChannelPresenceFunc receives the online count of one channel.
type ChannelPresenceFunc func(channelID domain.ChannelID, count int)

type presenceEntry struct {
	channelID domain.ChannelID
	sub       contract.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	started   sync.Once
	// attempt counts the reopens since the last SUBSCRIBED.
	attempt int

	// emitMu makes teardown wait for an in-flight callback, so that nothing
	// fires once teardown returned.
	emitMu   sync.RWMutex
	stopped  bool
	stale    bool
	reopen   *time.Timer
	onUpdate ChannelPresenceFunc
}

// PresenceManager keeps one presence-only subscription per visible channel
// and pushes its online count. It never tracks: it observes, it does not
// participate.
//
// Callbacks must not call back into the manager synchronously.
type PresenceManager struct {
	log        *slog.Logger
	cfg        Config
	backend    contract.Backend
	registry   *Registry
	supervisor contract.ISupervisor
	enabled    atomic.Bool

	mu       sync.Mutex
	channels map[domain.ChannelID]*presenceEntry
}

func NewPresenceManager(log *slog.Logger, cfg Config, backend contract.Backend,
	registry *Registry, supervisor contract.ISupervisor) *PresenceManager {
	m := &PresenceManager{
		log:        log,
		cfg:        cfg,
		backend:    backend,
		registry:   registry,
		supervisor: supervisor,
		channels:   make(map[domain.ChannelID]*presenceEntry),
	}
	m.enabled.Store(true)
	return m
}

// Subscribe makes the tracked set equal to channels: channels no longer wanted
// are torn down first, then missing ones are opened. Already tracked channels
// keep their subscription and switch to the new callback, unless their
// subscription failed: those are reopened right away.
func (m *PresenceManager) Subscribe(channels []domain.Channel, onUpdate ChannelPresenceFunc) {
	wanted := lo.Uniq(lo.Map(channels, func(c domain.Channel, _ int) domain.ChannelID { return c.ID }))

	m.mu.Lock()
	for id, entry := range m.channels {
		if !slices.Contains(wanted, id) {
			m.teardown(entry)
			delete(m.channels, id)
		}
	}
	var opened []*presenceEntry
	for _, id := range wanted {
		if entry, ok := m.channels[id]; ok {
			entry.emitMu.Lock()
			stale := entry.stale
			entry.onUpdate = onUpdate
			entry.emitMu.Unlock()
			if !stale {
				continue
			}
			m.teardown(entry)
			delete(m.channels, id)
		}
		entry, err := m.open(id, onUpdate)
		if err != nil {
			m.log.Error("Failed to open presence subscription", "channel_id", id, "error", err)
			continue
		}
		m.channels[id] = entry
		opened = append(opened, entry)
	}
	m.mu.Unlock()

	for _, entry := range opened {
		m.subscribe(entry)
	}
	m.log.Debug("Presence subscriptions updated", "tracked", len(wanted), "opened", len(opened))
}

// Unsubscribe tears every channel down. No callback fires once it returned.
func (m *PresenceManager) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.channels {
		m.teardown(entry)
		delete(m.channels, id)
	}
}

// SetEnabled gates every computation and callback. Re-enabling does not push
// retroactively, use Refresh for that.
func (m *PresenceManager) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

func (m *PresenceManager) Enabled() bool {
	return m.enabled.Load()
}

// Refresh pushes the current count of a tracked channel to onUpdate,
// regardless of the gate. Untracked channels are ignored.
func (m *PresenceManager) Refresh(channelID domain.ChannelID, onUpdate ChannelPresenceFunc) {
	m.mu.Lock()
	entry, ok := m.channels[channelID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.emit(entry, onUpdate)
}

// Tracked returns the tracked channel ids in ascending order.
func (m *PresenceManager) Tracked() []domain.ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := lo.Keys(m.channels)
	slices.Sort(ids)
	return ids
}

func (m *PresenceManager) open(channelID domain.ChannelID, onUpdate ChannelPresenceFunc) (*presenceEntry, error) {
	sub := m.backend.Channel(domain.Topic(channelID))
	if err := m.registry.Register(OwnerPresence, sub); err != nil {
		if removeErr := m.backend.RemoveChannel(sub); removeErr != nil {
			m.log.Warn("Failed to remove rejected subscription", "channel_id", channelID, "error", removeErr)
		}
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry := &presenceEntry{
		channelID: channelID,
		sub:       sub,
		ctx:       ctx,
		cancel:    cancel,
		onUpdate:  onUpdate,
	}
	for _, kind := range []domain.PresenceEvent{domain.PresenceSync, domain.PresenceJoin, domain.PresenceLeave} {
		sub.OnPresence(kind, func() { m.push(entry) })
	}
	return entry, nil
}

func (m *PresenceManager) subscribe(entry *presenceEntry) {
	entry.sub.Subscribe(func(status domain.SubscriptionStatus, err error) {
		m.onStatus(entry, status, err)
	})
}

// teardown releases the handle and stops the refresh worker of one channel.
func (m *PresenceManager) teardown(entry *presenceEntry) {
	entry.emitMu.Lock()
	entry.stopped = true
	if entry.reopen != nil {
		entry.reopen.Stop()
	}
	entry.emitMu.Unlock()

	entry.cancel()
	m.registry.Unregister(OwnerPresence, entry.sub)
	if err := m.backend.RemoveChannel(entry.sub); err != nil {
		m.log.Warn("Failed to remove presence subscription", "channel_id", entry.channelID, "error", err)
	}
	m.log.Debug("Presence subscription removed", "channel_id", entry.channelID)
}

// onStatus starts the refresh worker on the first SUBSCRIBED. A failed
// subscription goes stale: its snapshot is frozen, so it stops pushing and is
// reopened after a delay.
func (m *PresenceManager) onStatus(entry *presenceEntry, status domain.SubscriptionStatus, err error) {
	switch status {
	case domain.StatusSubscribed:
		entry.emitMu.Lock()
		entry.attempt = 0
		entry.emitMu.Unlock()
	case domain.StatusChannelError, domain.StatusTimedOut:
		m.log.Warn("Presence subscription failed", "channel_id", entry.channelID, "status", status, "error", err)
		m.markStale(entry)
		return
	default:
		return
	}
	entry.started.Do(func() {
		if entry.ctx.Err() != nil {
			return
		}
		m.supervisor.Start(entry.ctx, workers.NewPresenceRefresher(
			m.log,
			entry.sub.Topic(),
			m.cfg.PresenceInitialDelay,
			m.cfg.PresenceRefreshInterval,
			m.registry,
			func() { m.push(entry) },
		))
	})
}

func (m *PresenceManager) markStale(entry *presenceEntry) {
	entry.emitMu.Lock()
	defer entry.emitMu.Unlock()
	if entry.stopped || entry.stale {
		return
	}
	delay := m.cfg.ReconnectDelay
	if entry.attempt > 0 {
		delay = m.cfg.ReconnectRetryDelay
	}
	entry.stale = true
	entry.cancel()
	entry.reopen = time.AfterFunc(delay, func() { m.reopenStale(entry) })
}

// reopenStale replaces a stale entry by a fresh subscription on the same
// channel, unless it was torn down or replaced meanwhile.
func (m *PresenceManager) reopenStale(entry *presenceEntry) {
	m.mu.Lock()
	if m.channels[entry.channelID] != entry {
		m.mu.Unlock()
		return
	}
	m.teardown(entry)
	delete(m.channels, entry.channelID)
	entry.emitMu.RLock()
	onUpdate, attempt := entry.onUpdate, entry.attempt
	entry.emitMu.RUnlock()
	fresh, err := m.open(entry.channelID, onUpdate)
	if err != nil {
		m.mu.Unlock()
		m.log.Error("Failed to reopen presence subscription", "channel_id", entry.channelID, "error", err)
		return
	}
	fresh.attempt = attempt + 1
	m.channels[entry.channelID] = fresh
	m.mu.Unlock()

	m.log.Info("Reopening presence subscription", "channel_id", entry.channelID, "attempt", fresh.attempt)
	m.subscribe(fresh)
}

// push is the gated path used by presence events and the refresh worker.
func (m *PresenceManager) push(entry *presenceEntry) {
	if !m.enabled.Load() {
		return
	}
	m.emit(entry, nil)
}

// emit calls onUpdate, or the entry callback when onUpdate is nil.
func (m *PresenceManager) emit(entry *presenceEntry, onUpdate ChannelPresenceFunc) {
	entry.emitMu.RLock()
	defer entry.emitMu.RUnlock()
	if entry.stopped || entry.stale {
		return
	}
	if onUpdate == nil {
		onUpdate = entry.onUpdate
	}
	if onUpdate == nil {
		return
	}
	count := presence.CountOnline(entry.sub.PresenceState())
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Recovered from presence callback panic", "channel_id", entry.channelID, "panic", fmt.Sprint(r))
		}
	}()
	onUpdate(entry.channelID, count)
}
