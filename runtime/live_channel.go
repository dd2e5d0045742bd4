package runtime

import (
	"context"
	"hive-chat/domain"
	"hive-chat/services"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// LiveChannel is a channel view kept in sync across disconnects: history is
// fetched before subscribing, and every reconnect catches up with the
// messages created after the latest one delivered.
//
// OnMessage receives messages in ascending order for history and live
// inserts. Messages sent through Send are delivered from the caller goroutine.
type LiveChannel struct {
	log          *slog.Logger
	orchestrator *Orchestrator
	channelID    domain.ChannelID
	callbacks    SessionCallbacks
	rendered     *MessageIDSet

	mu             sync.Mutex
	session        *ChannelSession
	oldest, latest time.Time
	timer          *time.Timer
	releaseTimer   func()
	closed         bool
}

func (o *Orchestrator) NewLiveChannel(channelID domain.ChannelID, callbacks SessionCallbacks) *LiveChannel {
	return &LiveChannel{
		log:          o.log.With("channel_id", channelID),
		orchestrator: o,
		channelID:    channelID,
		callbacks:    callbacks,
		rendered:     NewMessageIDSet(),
	}
}

// Open delivers the latest history page, then joins the channel.
func (l *LiveChannel) Open(ctx context.Context) {
	page := l.orchestrator.services.History.Fetch(ctx, l.channelID, services.FetchOptions{
		Limit: l.orchestrator.cfg.HistoryLimit,
	})
	l.deliver(page)
	l.join(ctx)
}

// LoadOlder returns the page preceding the oldest delivered message, ascending.
// It is not passed to OnMessage: callers prepend it.
func (l *LiveChannel) LoadOlder(ctx context.Context) []domain.EnrichedMessage {
	l.mu.Lock()
	oldest := l.oldest
	l.mu.Unlock()
	if oldest.IsZero() {
		return []domain.EnrichedMessage{}
	}
	page := l.orchestrator.services.History.Fetch(ctx, l.channelID, services.FetchOptions{
		Limit:  l.orchestrator.cfg.HistoryLimit,
		Before: &oldest,
	})
	older := make([]domain.EnrichedMessage, 0, len(page))
	for _, message := range page {
		if l.rendered.Add(message.ID) {
			l.advance(message.CreatedAt)
			older = append(older, message)
		}
	}
	return older
}

// Send inserts a message and delivers it right away. The insert event that
// follows is suppressed since the id is already rendered.
func (l *LiveChannel) Send(ctx context.Context, content string, metadata *structpb.Struct) (domain.EnrichedMessage, error) {
	identity := l.orchestrator.identity(ctx)
	message, err := l.orchestrator.services.Messages.Send(ctx, services.SendRequest{
		ChannelID: l.channelID,
		UserID:    identity.ID,
		Content:   content,
		Metadata:  metadata,
	})
	if err != nil {
		return domain.EnrichedMessage{}, err
	}
	enriched := domain.Enrich(message, identity.Profile())
	if l.rendered.Add(message.ID) {
		l.advance(message.CreatedAt)
		if cb := l.callbacks.OnMessage; cb != nil {
			cb(enriched)
		}
	}
	return enriched, nil
}

// Close cancels a pending reconnect and leaves the channel.
func (l *LiveChannel) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.stopTimer()
	session := l.session
	l.session = nil
	l.mu.Unlock()
	session.Leave()
}

func (l *LiveChannel) Session() *ChannelSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

func (l *LiveChannel) Rendered() *MessageIDSet {
	return l.rendered
}

// Latest is the creation time of the most recent delivered message.
func (l *LiveChannel) Latest() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

func (l *LiveChannel) join(ctx context.Context) bool {
	session := l.orchestrator.JoinChannel(ctx, l.channelID, l.rendered, SessionCallbacks{
		OnMessage:    l.onLiveMessage,
		OnPresence:   l.callbacks.OnPresence,
		OnStatus:     l.onStatus,
		OnVisibility: l.callbacks.OnVisibility,
	})
	if session == nil {
		return false
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		session.Leave()
		return true
	}
	l.session = session
	l.mu.Unlock()
	return true
}

func (l *LiveChannel) onLiveMessage(message domain.EnrichedMessage) {
	if !l.rendered.Add(message.ID) {
		return
	}
	l.advance(message.CreatedAt)
	if cb := l.callbacks.OnMessage; cb != nil {
		cb(message)
	}
}

// onStatus schedules a reconnect on CHANNEL_ERROR only. SUBSCRIBED cancels a
// pending one.
func (l *LiveChannel) onStatus(status domain.SubscriptionStatus) {
	if cb := l.callbacks.OnStatus; cb != nil {
		cb(status)
	}
	switch status {
	case domain.StatusChannelError:
		l.scheduleReconnect(l.orchestrator.cfg.ReconnectDelay, false)
	case domain.StatusSubscribed:
		l.mu.Lock()
		l.stopTimer()
		l.mu.Unlock()
	}
}

func (l *LiveChannel) scheduleReconnect(delay time.Duration, retry bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.timer != nil {
		return
	}
	l.log.Info("Scheduling reconnect", "delay", delay, "retry", retry)
	l.releaseTimer = l.orchestrator.registry.TrackTimer(domain.Topic(l.channelID))
	l.timer = time.AfterFunc(delay, func() { l.reconnect(retry) })
}

// reconnect rejoins and catches up. A failed first attempt is retried once
// after ReconnectRetryDelay.
func (l *LiveChannel) reconnect(retry bool) {
	l.mu.Lock()
	if l.releaseTimer != nil {
		l.releaseTimer()
	}
	l.timer, l.releaseTimer = nil, nil
	if l.closed {
		l.mu.Unlock()
		return
	}
	previous := l.session
	l.session = nil
	latest := l.latest
	l.mu.Unlock()

	previous.Leave()
	ctx, cancel := context.WithTimeout(context.Background(), l.orchestrator.cfg.ReconnectRetryDelay)
	defer cancel()

	if !l.join(ctx) {
		l.log.Warn("Reconnect failed", "retry", retry)
		if !retry {
			l.scheduleReconnect(l.orchestrator.cfg.ReconnectRetryDelay, true)
		}
		return
	}

	opts := services.FetchOptions{Limit: l.orchestrator.cfg.HistoryLimit}
	if !latest.IsZero() {
		opts.After = &latest
	}
	missed := l.orchestrator.services.History.Fetch(ctx, l.channelID, opts)
	l.deliver(missed)
	l.log.Info("Reconnected", "missed", len(missed))
}

func (l *LiveChannel) deliver(page []domain.EnrichedMessage) {
	for _, message := range page {
		l.onLiveMessage(message)
	}
}

func (l *LiveChannel) advance(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if at.After(l.latest) {
		l.latest = at
	}
	if l.oldest.IsZero() || at.Before(l.oldest) {
		l.oldest = at
	}
}

// stopTimer must be called with mu held.
func (l *LiveChannel) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.releaseTimer != nil {
		l.releaseTimer()
		l.releaseTimer = nil
	}
}
