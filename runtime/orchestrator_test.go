package runtime

import (
	"context"
	"hive-chat/domain"
	"hive-chat/mocks"
	"hive-chat/services"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestOrchestrator_Join_Same_Channel_Twice_Keeps_One_Session(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	o, _ := h.orchestrator(t, nil)

	// Given a session on channel 1
	first := o.JoinChannel(context.Background(), 1, nil, SessionCallbacks{})

	// When joining channel 1 again
	second := o.JoinChannel(context.Background(), 1, nil, SessionCallbacks{})

	// Then the first session is left and only one handle remains
	select {
	case <-first.Done():
	case <-time.After(waitFor):
		req.Fail("first session did not stop")
	}
	req.Equal(domain.StateClosed, first.State())
	req.Equal(1, o.Registry().Handles(domain.Topic(1)))
	current, ok := o.Session(1)
	req.True(ok)
	req.Same(second, current)
	req.Eventually(func() bool { return h.broker.Members(domain.Topic(1)) == 1 }, waitFor, tick)
}

func TestOrchestrator_Sessions_On_Different_Channels_Coexist(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	o, identity := h.orchestrator(t, nil)

	general := o.JoinChannel(context.Background(), 1, nil, SessionCallbacks{})
	help := o.JoinChannel(context.Background(), 2, nil, SessionCallbacks{})

	req.Eventually(func() bool { return general.State() == domain.StateActive }, waitFor, tick)
	req.Eventually(func() bool { return help.State() == domain.StateActive }, waitFor, tick)
	req.Equal(2, o.Registry().Len())

	// And both sessions announce the same identity
	me, ok := identity.Current()
	req.True(ok)
	for _, records := range general.sub.PresenceState() {
		req.Equal(me.ID, records[0].UserID)
	}
}

func TestOrchestrator_Close_Leaves_Everything(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	o, _ := h.orchestrator(t, nil)
	session := o.JoinChannel(context.Background(), 1, nil, SessionCallbacks{})
	o.Presence().Subscribe([]domain.Channel{{ID: 1}, {ID: 2}}, func(domain.ChannelID, int) {})
	req.Eventually(func() bool { return session.State() == domain.StateActive }, waitFor, tick)

	// When closing the caller context
	o.Close()

	// Then no session, handle or timer survives
	<-session.Done()
	req.Equal(0, o.Registry().Len())
	req.Equal(0, o.Registry().Timers(domain.Topic(1)))
	req.Empty(o.Presence().Tracked())
	req.Eventually(func() bool { return h.broker.Members(domain.Topic(1)) == 0 }, waitFor, tick)
}

func TestOrchestrator_Rejected_Handle_Is_Removed(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	local := mocks.NewMockIdentityStore(ctrl)
	supervisor := mocks.NewMockISupervisor(ctrl)
	sub := mocks.NewMockSubscription(ctrl)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	o := NewOrchestrator(log, fastConfig(), backend,
		Services{Identity: services.NewIdentityService(log, backend, local, nil)}, supervisor)

	// Given the registry already holds a session handle for the topic
	sub.EXPECT().Topic().Return(domain.Topic(1)).AnyTimes()
	req.NoError(o.Registry().Register(OwnerSession, sub))

	local.EXPECT().Load().Return(domain.Identity{ID: "alice", Username: "Alice"}, true, nil)
	rejected := mocks.NewMockSubscription(ctrl)
	rejected.EXPECT().Topic().Return(domain.Topic(1)).AnyTimes()
	backend.EXPECT().Channel(domain.Topic(1)).Return(rejected)
	backend.EXPECT().RemoveChannel(rejected).Return(nil)

	// When joining
	session := o.JoinChannel(context.Background(), 1, nil, SessionCallbacks{})

	// Then the join is refused and the new handle released
	req.Nil(session)
	req.Equal(1, o.Registry().Len())
}
