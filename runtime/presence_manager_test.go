package runtime

import (
	"context"
	"hive-chat/contract"
	"hive-chat/domain"
	"hive-chat/mocks"
	"hive-chat/runtime/workers"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type presenceUpdate struct {
	channelID domain.ChannelID
	count     int
}

type updates struct {
	mu  sync.Mutex
	all []presenceUpdate
}

func (u *updates) record(channelID domain.ChannelID, count int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.all = append(u.all, presenceUpdate{channelID: channelID, count: count})
}

func (u *updates) get() []presenceUpdate {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]presenceUpdate(nil), u.all...)
}

// mockedChannel captures the listeners a manager registers on a subscription.
type mockedChannel struct {
	sub       *mocks.MockSubscription
	mu        sync.Mutex
	listeners map[domain.PresenceEvent]func()
	status    contract.StatusFunc
}

func expectChannel(ctrl *gomock.Controller, backend *mocks.MockBackend, id domain.ChannelID, snapshot domain.PresenceSnapshot) *mockedChannel {
	c := &mockedChannel{sub: mocks.NewMockSubscription(ctrl), listeners: make(map[domain.PresenceEvent]func())}
	backend.EXPECT().Channel(domain.Topic(id)).Return(c.sub)
	c.sub.EXPECT().Topic().Return(domain.Topic(id)).AnyTimes()
	c.sub.EXPECT().OnPresence(gomock.Any(), gomock.Any()).Do(func(event domain.PresenceEvent, cb func()) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listeners[event] = cb
	}).Times(3)
	c.sub.EXPECT().Subscribe(gomock.Any()).Do(func(cb contract.StatusFunc) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.status = cb
	})
	c.sub.EXPECT().PresenceState().Return(snapshot).AnyTimes()
	return c
}

func (c *mockedChannel) fire(event domain.PresenceEvent) {
	c.mu.Lock()
	cb := c.listeners[event]
	c.mu.Unlock()
	cb()
}

func (c *mockedChannel) report(status domain.SubscriptionStatus) {
	c.mu.Lock()
	cb := c.status
	c.mu.Unlock()
	cb(status, nil)
}

func snapshotOf(keys ...string) domain.PresenceSnapshot {
	snapshot := make(domain.PresenceSnapshot, len(keys))
	for _, key := range keys {
		snapshot[key] = []domain.PresenceRecord{{UserID: key}}
	}
	return snapshot
}

func newManager(backend contract.Backend, supervisor contract.ISupervisor) (*PresenceManager, *Registry) {
	registry := NewRegistry()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	return NewPresenceManager(log, fastConfig(), backend, registry, supervisor), registry
}

func TestPresenceManager_Subscribe_Tears_Down_Channels_No_Longer_Visible(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	supervisor := mocks.NewMockISupervisor(ctrl)
	general := expectChannel(ctrl, backend, 1, snapshotOf("a", "b", "c"))
	help := expectChannel(ctrl, backend, 2, snapshotOf("a"))
	manager, registry := newManager(backend, supervisor)
	got := &updates{}
	channels := []domain.Channel{{ID: 1}, {ID: 2}}

	// Given two visible channels
	manager.Subscribe(channels, got.record)
	req.Equal([]domain.ChannelID{1, 2}, manager.Tracked())
	req.Equal(2, registry.Len())

	// When their presence syncs
	general.fire(domain.PresenceSync)
	help.fire(domain.PresenceJoin)

	// Then each count is pushed with its channel id
	req.Equal([]presenceUpdate{{1, 3}, {2, 1}}, got.get())

	// When only channel 1 stays visible
	backend.EXPECT().RemoveChannel(help.sub).Return(nil)
	manager.Subscribe(channels[:1], got.record)

	// Then channel 2 is released and never reported again
	req.Equal([]domain.ChannelID{1}, manager.Tracked())
	req.Equal(0, registry.Handles(domain.Topic(2)))
	help.fire(domain.PresenceSync)
	general.fire(domain.PresenceLeave)
	req.Equal([]presenceUpdate{{1, 3}, {2, 1}, {1, 3}}, got.get())
}

func TestPresenceManager_Subscribe_Twice_Keeps_One_Handle_And_Switches_Callback(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	general := expectChannel(ctrl, backend, 1, snapshotOf("a", "b"))
	manager, registry := newManager(backend, mocks.NewMockISupervisor(ctrl))
	first, second := &updates{}, &updates{}

	// When subscribing to the same channel twice, duplicates included
	manager.Subscribe([]domain.Channel{{ID: 1}}, first.record)
	manager.Subscribe([]domain.Channel{{ID: 1}, {ID: 1}}, second.record)

	// Then one handle is held and only the latest callback fires
	req.Equal(1, registry.Handles(domain.Topic(1)))
	general.fire(domain.PresenceSync)
	req.Empty(first.get())
	req.Equal([]presenceUpdate{{1, 2}}, second.get())
}

func TestPresenceManager_Starts_One_Refresher_On_First_Subscribed(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	supervisor := mocks.NewMockISupervisor(ctrl)
	general := expectChannel(ctrl, backend, 1, snapshotOf("a"))
	manager, _ := newManager(backend, supervisor)
	manager.Subscribe([]domain.Channel{{ID: 1}}, (&updates{}).record)

	// Then the refresh worker is started once, whatever the number of SUBSCRIBED
	supervisor.EXPECT().Start(gomock.Any(), gomock.AssignableToTypeOf(&workers.PresenceRefresher{})).Times(1)

	general.report(domain.StatusSubscribed)
	general.report(domain.StatusSubscribed)
}

func TestPresenceManager_Failed_Subscription_Goes_Silent_Then_Reopens(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	supervisor := mocks.NewMockISupervisor(ctrl)
	general := expectChannel(ctrl, backend, 1, snapshotOf("a", "b"))
	manager, registry := newManager(backend, supervisor)
	got := &updates{}
	manager.Subscribe([]domain.Channel{{ID: 1}}, got.record)

	// Given the subscription fails
	reopened := expectChannel(ctrl, backend, 1, snapshotOf())
	backend.EXPECT().RemoveChannel(general.sub).Return(nil)
	general.report(domain.StatusChannelError)

	// Then its frozen snapshot is no longer reported
	general.fire(domain.PresenceSync)
	req.Empty(got.get())

	// And a fresh subscription replaces it after the reconnect delay
	req.Eventually(func() bool {
		reopened.mu.Lock()
		defer reopened.mu.Unlock()
		return reopened.status != nil
	}, waitFor, tick)
	req.Equal([]domain.ChannelID{1}, manager.Tracked())
	req.Equal(1, registry.Handles(domain.Topic(1)))

	// When the fresh one syncs
	reopened.fire(domain.PresenceSync)

	// Then its count is pushed to the same callback
	req.Equal([]presenceUpdate{{1, 0}}, got.get())
}

func TestPresenceManager_Gate_Blocks_Pushes_But_Not_Refresh(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	general := expectChannel(ctrl, backend, 1, snapshotOf("a", "b", "c"))
	manager, _ := newManager(backend, mocks.NewMockISupervisor(ctrl))
	got, refreshed := &updates{}, &updates{}
	manager.Subscribe([]domain.Channel{{ID: 1}}, got.record)

	// Given the manager is disabled
	manager.SetEnabled(false)
	req.False(manager.Enabled())

	// When presence changes
	general.fire(domain.PresenceJoin)

	// Then nothing is pushed
	req.Empty(got.get())

	// When refreshing explicitly, tracked or not
	manager.Refresh(1, refreshed.record)
	manager.Refresh(9, refreshed.record)

	// Then only the tracked channel is reported
	req.Equal([]presenceUpdate{{1, 3}}, refreshed.get())

	// And re-enabling does not push retroactively
	manager.SetEnabled(true)
	req.Empty(got.get())
	general.fire(domain.PresenceSync)
	req.Equal([]presenceUpdate{{1, 3}}, got.get())
}

func TestPresenceManager_Unsubscribe_Releases_Everything(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	general := expectChannel(ctrl, backend, 1, snapshotOf("a"))
	help := expectChannel(ctrl, backend, 2, snapshotOf("a"))
	manager, registry := newManager(backend, mocks.NewMockISupervisor(ctrl))
	got := &updates{}
	manager.Subscribe([]domain.Channel{{ID: 1}, {ID: 2}}, got.record)

	backend.EXPECT().RemoveChannel(general.sub).Return(nil)
	backend.EXPECT().RemoveChannel(help.sub).Return(nil)

	// When unsubscribing everything
	manager.Unsubscribe()

	// Then no handle is left and late events are dropped
	req.Empty(manager.Tracked())
	req.Equal(0, registry.Len())
	general.fire(domain.PresenceSync)
	help.fire(domain.PresenceSync)
	req.Empty(got.get())
}

func TestPresenceManager_Callback_Panic_Is_Contained(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	general := expectChannel(ctrl, backend, 1, snapshotOf("a"))
	manager, _ := newManager(backend, mocks.NewMockISupervisor(ctrl))
	manager.Subscribe([]domain.Channel{{ID: 1}}, func(domain.ChannelID, int) { panic("badge render failed") })

	require.NotPanics(t, func() { general.fire(domain.PresenceSync) })
}

func TestPresenceManager_Observes_Sessions_Through_The_Broker(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	observer, _ := h.orchestrator(t, nil)
	member, _ := h.orchestrator(t, nil)
	got := &updates{}
	last := func(channelID domain.ChannelID) int {
		count := -1
		for _, u := range got.get() {
			if u.channelID == channelID {
				count = u.count
			}
		}
		return count
	}

	// Given an observer watching channels 1 and 2
	observer.Presence().Subscribe([]domain.Channel{{ID: 1}, {ID: 2}}, got.record)

	// When someone joins channel 1
	session := member.JoinChannel(context.Background(), 1, nil, SessionCallbacks{})

	// Then the observer counts them without being counted itself
	req.Eventually(func() bool { return last(1) == 1 }, waitFor, tick)
	req.Eventually(func() bool { return last(2) == 0 }, waitFor, tick)

	// When they leave
	session.Leave()
	req.Eventually(func() bool { return last(1) == 0 }, waitFor, tick)

	// Then closing the observer stops the refresh workers and their timers
	observer.Close()
	req.Equal(0, observer.Registry().Len())
	req.Equal(0, observer.Registry().Timers(domain.Topic(1)))
	req.Equal(0, observer.Registry().Timers(domain.Topic(2)))
	count := len(got.get())
	time.Sleep(3 * fastConfig().PresenceRefreshInterval)
	req.Len(got.get(), count)
}
