package runtime

import (
	"context"
	"hive-chat/domain"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSession_Join_Tracks_Presence_And_Becomes_Visible(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	o, _ := h.orchestrator(t, nil)
	events := &collector{}

	// When joining channel 1
	session := o.JoinChannel(context.Background(), 1, nil, events.callbacks())
	req.NotNil(session)

	// Then the session goes active and sees itself online
	req.Eventually(func() bool { return session.State() == domain.StateActive }, waitFor, tick)
	req.Eventually(events.visible, waitFor, tick)
	req.Eventually(func() bool { return events.lastCount() == 1 }, waitFor, tick)
	result, ok := session.Visibility()
	req.True(ok)
	req.Equal(Visible, result)
}

func TestSession_Leave_Releases_Every_Handle_And_Timer(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	o, _ := h.orchestrator(t, nil)
	session := o.JoinChannel(context.Background(), 1, nil, SessionCallbacks{})
	req.Eventually(func() bool { return session.State() == domain.StateActive }, waitFor, tick)

	// When leaving, twice
	session.Leave()
	session.Leave()

	// Then every goroutine stops and nothing is held for the topic
	select {
	case <-session.Done():
	case <-time.After(waitFor):
		req.Fail("session goroutines did not stop")
	}
	req.Equal(domain.StateClosed, session.State())
	req.Equal(0, o.Registry().Len())
	req.Equal(0, o.Registry().Timers(domain.Topic(1)))
	req.Equal(0, h.broker.Members(domain.Topic(1)))
	_, open := o.Session(1)
	req.False(open)
}

func TestSession_Leave_On_Nil_Session_Does_Nothing(t *testing.T) {
	var session *ChannelSession
	require.NotPanics(t, session.Leave)
}

func TestSession_Delivers_Enriched_Inserts_Of_Its_Channel_Only(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	o, identity := h.orchestrator(t, nil)
	events := &collector{}
	session := o.JoinChannel(context.Background(), 1, nil, events.callbacks())
	req.Eventually(func() bool { return session.State() == domain.StateActive }, waitFor, tick)
	me, ok := identity.Current()
	req.True(ok)

	// When messages land in channels 1 and 2
	h.insert(t, 2, me.ID, "elsewhere")
	h.insert(t, 1, me.ID, "hello")
	h.insert(t, 1, "ghost", "boo")

	// Then only channel 1 is delivered, in order, with sender profiles
	req.Eventually(func() bool { return len(events.contents()) == 2 }, waitFor, tick)
	req.Equal([]string{"hello", "boo"}, events.contents())
	events.mu.Lock()
	defer events.mu.Unlock()
	req.Equal(me.Username, events.messages[0].Profile.Username)
	req.Equal("Unknown", events.messages[1].Profile.Username)
}

func TestSession_Skips_Messages_Already_Rendered(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	o, _ := h.orchestrator(t, nil)
	events := &collector{}
	rendered := NewMessageIDSet()

	// Given the first message id is already on screen
	rendered.Add(1)
	session := o.JoinChannel(context.Background(), 1, rendered, events.callbacks())
	req.Eventually(func() bool { return session.State() == domain.StateActive }, waitFor, tick)

	// When both messages arrive live
	h.insert(t, 1, "alice", "optimistic")
	h.insert(t, 1, "alice", "fresh")

	// Then only the unrendered one is delivered
	req.Eventually(func() bool { return len(events.contents()) == 1 }, waitFor, tick)
	req.Never(func() bool { return len(events.contents()) > 1 }, 50*time.Millisecond, tick)
	req.Equal([]string{"fresh"}, events.contents())
}

func TestSession_Recovers_From_Callback_Panics(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	o, _ := h.orchestrator(t, nil)
	events := &collector{}
	callbacks := events.callbacks()
	callbacks.OnPresence = func(int) { panic("render failed") }

	// Given a presence callback that always panics
	session := o.JoinChannel(context.Background(), 1, nil, callbacks)

	// Then the session still reaches ACTIVE and delivers messages
	req.Eventually(func() bool { return session.State() == domain.StateActive }, waitFor, tick)
	h.insert(t, 1, "alice", "still alive")
	req.Eventually(func() bool { return len(events.contents()) == 1 }, waitFor, tick)
}

func TestSession_Leave_From_A_Callback(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	o, _ := h.orchestrator(t, nil)
	ready := make(chan *ChannelSession, 1)
	left := make(chan struct{})
	session := o.JoinChannel(context.Background(), 1, nil, SessionCallbacks{
		OnVisibility: func(VisibilityResult) {
			(<-ready).Leave()
			close(left)
		},
	})
	ready <- session

	// When the session leaves from its own callback
	select {
	case <-left:
	case <-time.After(waitFor):
		req.Fail("visibility callback never fired")
	}

	// Then it shuts down cleanly
	select {
	case <-session.Done():
	case <-time.After(waitFor):
		req.Fail("session goroutines did not stop")
	}
	req.Equal(domain.StateClosed, session.State())
	req.Equal(0, o.Registry().Len())
}

func TestSession_Two_Users_See_Each_Other(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice, _ := h.orchestrator(t, nil)
	bob, _ := h.orchestrator(t, nil)
	aliceEvents, bobEvents := &collector{}, &collector{}

	// When two independent callers join the same channel
	alice.JoinChannel(context.Background(), 1, nil, aliceEvents.callbacks())
	bobSession := bob.JoinChannel(context.Background(), 1, nil, bobEvents.callbacks())

	// Then both count two online
	req.Eventually(func() bool { return aliceEvents.lastCount() == 2 }, waitFor, tick)
	req.Eventually(func() bool { return bobEvents.lastCount() == 2 }, waitFor, tick)

	// When bob leaves, alice is alone again
	bobSession.Leave()
	req.Eventually(func() bool { return aliceEvents.lastCount() == 1 }, waitFor, tick)
}
