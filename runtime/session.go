package runtime

import (
	"context"
	"fmt"
	"hive-chat/contract"
	"hive-chat/domain"
	"hive-chat/presence"
	"hive-chat/runtime/workers"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// SessionCallbacks are invoked from the session goroutines, never concurrently
// with themselves. OnMessage runs on a separate goroutine from the others.
// Any callback may be nil.
type SessionCallbacks struct {
	OnMessage    func(message domain.EnrichedMessage)
	OnPresence   func(count int)
	OnStatus     func(status domain.SubscriptionStatus)
	OnVisibility func(result VisibilityResult)
}

type sessionEvent interface{ sessionEvent() }

type statusEvent struct {
	status domain.SubscriptionStatus
	err    error
}

type presenceChanged struct{ kind domain.PresenceEvent }

type trackedEvent struct{ err error }

type countEvent struct{ count int }

type visibilityEvent struct{ result VisibilityResult }

func (statusEvent) sessionEvent()     {}
func (presenceChanged) sessionEvent() {}
func (trackedEvent) sessionEvent()    {}
func (countEvent) sessionEvent()      {}
func (visibilityEvent) sessionEvent() {}

// ChannelSession is the live membership of one channel:
// IDLE → SUBSCRIBING → SUBSCRIBED → TRACKING → ACTIVE, ERROR from any
// non-idle state, CLOSED once left.
//
// Status, presence and track results are handled by one control goroutine.
// Inserts go through a second goroutine so that profile lookups never delay
// status handling, and so that they are delivered in arrival order.
type ChannelSession struct {
	log       *slog.Logger
	channelID domain.ChannelID
	sub       contract.Subscription
	identity  domain.Identity
	profiles  contract.ProfileResolver
	rendered  contract.RenderedSet
	callbacks SessionCallbacks
	policy    VisibilityPolicy
	timers    workers.TimerTracker
	release   func() error
	now       func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan sessionEvent
	messages chan *structpb.Struct
	wg       sync.WaitGroup
	done     chan struct{}

	state      atomic.Int32
	visibility atomic.Int32
	closed     atomic.Bool
	leaveOnce  sync.Once
}

type sessionParams struct {
	channelID domain.ChannelID
	sub       contract.Subscription
	identity  domain.Identity
	profiles  contract.ProfileResolver
	rendered  contract.RenderedSet
	callbacks SessionCallbacks
	cfg       Config
	timers    workers.TimerTracker
	release   func() error
	now       func() time.Time
}

func newChannelSession(log *slog.Logger, p sessionParams) *ChannelSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ChannelSession{
		log:       log.With("channel_id", p.channelID),
		channelID: p.channelID,
		sub:       p.sub,
		identity:  p.identity,
		profiles:  p.profiles,
		rendered:  p.rendered,
		callbacks: p.callbacks,
		policy:    p.cfg.Visibility,
		timers:    p.timers,
		release:   p.release,
		now:       p.now,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan sessionEvent, p.cfg.InboxSize),
		messages:  make(chan *structpb.Struct, p.cfg.InboxSize),
		done:      make(chan struct{}),
	}
	s.visibility.Store(-1)
	return s
}

// start registers every listener before subscribing so that the initial
// presence sync cannot be missed.
func (s *ChannelSession) start() {
	for _, kind := range []domain.PresenceEvent{domain.PresenceSync, domain.PresenceJoin, domain.PresenceLeave} {
		s.sub.OnPresence(kind, func() { s.post(presenceChanged{kind: kind}) })
	}
	s.sub.OnInsert(domain.TableMessages,
		domain.Eq(domain.ColChannelID, domain.ChannelIDValue(s.channelID)),
		s.receive)

	s.wg.Add(2)
	go s.runControl()
	go s.runMessages()
	go func() {
		s.wg.Wait()
		close(s.done)
	}()

	s.setState(domain.StateSubscribing)
	s.sub.Subscribe(func(status domain.SubscriptionStatus, err error) {
		s.post(statusEvent{status: status, err: err})
	})
}

// Leave releases the transport handle and stops every goroutine and timer of
// the session. It is idempotent, safe on a nil session and may be called from
// within a callback.
func (s *ChannelSession) Leave() {
	if s == nil {
		return
	}
	s.leaveOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.protect("release", func() {
			if s.release == nil {
				return
			}
			if err := s.release(); err != nil {
				s.log.Warn("Failed to release subscription", "error", err)
			}
		})
		s.setState(domain.StateClosed)
		s.log.Debug("Left channel")
	})
}

// Done is closed once every goroutine of a left session has returned.
func (s *ChannelSession) Done() <-chan struct{} {
	return s.done
}

func (s *ChannelSession) ChannelID() domain.ChannelID {
	return s.channelID
}

func (s *ChannelSession) State() domain.SessionState {
	return domain.SessionState(s.state.Load())
}

// Visibility returns the outcome of the self-visibility check once it ran.
func (s *ChannelSession) Visibility() (VisibilityResult, bool) {
	v := s.visibility.Load()
	if v < 0 {
		return NotYetVisible, false
	}
	return VisibilityResult(v), true
}

// Count recomputes the online count from the current presence state.
func (s *ChannelSession) Count() int {
	return presence.CountOnline(s.sub.PresenceState())
}

// setState never leaves CLOSED.
func (s *ChannelSession) setState(state domain.SessionState) {
	for {
		current := s.state.Load()
		previous := domain.SessionState(current)
		if previous == state || previous == domain.StateClosed {
			return
		}
		if s.state.CompareAndSwap(current, int32(state)) {
			s.log.Debug("Session state changed", "from", previous, "to", state)
			return
		}
	}
}

func (s *ChannelSession) post(ev sessionEvent) {
	select {
	case s.inbox <- ev:
	case <-s.ctx.Done():
	}
}

func (s *ChannelSession) receive(row *structpb.Struct) {
	select {
	case s.messages <- row:
	case <-s.ctx.Done():
	}
}

func (s *ChannelSession) runControl() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.inbox:
			s.handle(ev)
		}
	}
}

func (s *ChannelSession) handle(ev sessionEvent) {
	switch ev := ev.(type) {
	case statusEvent:
		s.onStatus(ev)
	case presenceChanged:
		s.emitPresence(s.Count())
	case countEvent:
		s.emitPresence(ev.count)
	case trackedEvent:
		s.onTracked(ev.err)
	case visibilityEvent:
		s.visibility.Store(int32(ev.result))
		if ev.result == NotYetVisible {
			s.log.Warn("Own presence not visible after retries", "attempts", s.policy.Attempts)
		}
		s.guard("OnVisibility", func() {
			if cb := s.callbacks.OnVisibility; cb != nil {
				cb(ev.result)
			}
		})
	}
}

func (s *ChannelSession) onStatus(ev statusEvent) {
	s.log.Debug("Subscription status", "status", ev.status, "error", ev.err)
	s.guard("OnStatus", func() {
		if cb := s.callbacks.OnStatus; cb != nil {
			cb(ev.status)
		}
	})

	switch ev.status {
	case domain.StatusSubscribed:
		// Only the first SUBSCRIBED, or one following an error, announces us.
		if state := s.State(); state != domain.StateSubscribing && state != domain.StateError {
			return
		}
		s.setState(domain.StateSubscribed)
		s.track()
	case domain.StatusChannelError, domain.StatusTimedOut:
		s.setState(domain.StateError)
	case domain.StatusClosed:
		s.setState(domain.StateClosed)
	}
}

func (s *ChannelSession) track() {
	s.setState(domain.StateTracking)
	record := domain.NewPresenceRecord(s.identity, s.now())
	s.spawn(func() {
		s.post(trackedEvent{err: s.sub.Track(s.ctx, record)})
	})
}

func (s *ChannelSession) onTracked(err error) {
	if err != nil {
		s.log.Warn("Failed to track presence", "error", err)
		s.setState(domain.StateError)
		return
	}
	s.setState(domain.StateActive)
	s.spawn(func() {
		defer s.timers.TrackTimer(s.sub.Topic())()
		result := s.policy.Await(s.ctx, s.Count, func(n int) {
			s.post(countEvent{count: n})
		})
		s.post(visibilityEvent{result: result})
	})
}

func (s *ChannelSession) runMessages() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case row := <-s.messages:
			s.deliver(row)
		}
	}
}

func (s *ChannelSession) deliver(row *structpb.Struct) {
	message, err := domain.MessageFromRow(row)
	if err != nil {
		s.log.Error("Dropping undecodable message", "error", err)
		return
	}
	enriched := domain.Enrich(message, s.profiles.Get(s.ctx, message.UserID))
	if s.rendered != nil && s.rendered.Has(message.ID) {
		s.log.Debug("Message already rendered", "message_id", message.ID)
		return
	}
	s.guard("OnMessage", func() {
		if cb := s.callbacks.OnMessage; cb != nil {
			cb(enriched)
		}
	})
}

func (s *ChannelSession) emitPresence(count int) {
	s.guard("OnPresence", func() {
		if cb := s.callbacks.OnPresence; cb != nil {
			cb(count)
		}
	})
}

// spawn runs fn on a goroutine accounted for by Done.
func (s *ChannelSession) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// guard skips callbacks of a left session and contains their panics.
func (s *ChannelSession) guard(name string, fn func()) {
	if s.closed.Load() {
		return
	}
	s.protect(name, fn)
}

func (s *ChannelSession) protect(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Recovered from callback panic", "callback", name, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
