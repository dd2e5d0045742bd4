package runtime

import (
	"context"
	"fmt"
	"hive-chat/contract"
	"hive-chat/domain"
	"hive-chat/infrastructure/realtime"
	"hive-chat/infrastructure/storage"
	"hive-chat/runtime/workers"
	"hive-chat/services"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func fastConfig() Config {
	return Config{
		Visibility:              VisibilityPolicy{Attempts: 3, Step: 10 * time.Millisecond},
		PresenceInitialDelay:    10 * time.Millisecond,
		PresenceRefreshInterval: 20 * time.Millisecond,
		ReconnectDelay:          20 * time.Millisecond,
		ReconnectRetryDelay:     50 * time.Millisecond,
		HistoryLimit:            50,
		InboxSize:               64,
	}
}

type harness struct {
	log    *slog.Logger
	broker *realtime.Broker
	store  *storage.BadgerStore
}

// newHarness wires a broker over an in-memory badger store seeded with the
// default channels.
func newHarness(t *testing.T) *harness {
	db, err := storage.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	store := storage.NewBadgerStore(db, log)
	require.NoError(t, storage.Seed(context.Background(), log, store, storage.DefaultChannels))
	return &harness{log: log, broker: realtime.NewBroker(log, store, time.Second), store: store}
}

// orchestrator builds an independent caller context on the shared broker.
func (h *harness) orchestrator(t *testing.T, backend contract.Backend, tune ...func(*Config)) (*Orchestrator, *services.IdentityService) {
	if backend == nil {
		backend = h.broker
	}
	cfg := fastConfig()
	for _, fn := range tune {
		fn(&cfg)
	}
	profiles := services.NewProfileService(h.log, backend)
	identity := services.NewIdentityService(h.log, backend, nil, profiles)
	o := NewOrchestrator(h.log, cfg, backend, Services{
		Identity: identity,
		Profiles: profiles,
		History:  services.NewHistoryService(h.log, backend, profiles),
		Messages: services.NewMessageService(h.log, backend),
	}, workers.NewSupervisor(h.log))
	t.Cleanup(o.Close)
	return o, identity
}

func (h *harness) insert(t *testing.T, channelID domain.ChannelID, userID, content string) domain.Message {
	row, err := h.broker.Insert(context.Background(), domain.TableMessages, domain.MessageToRow(domain.Message{
		ChannelID: channelID,
		UserID:    userID,
		Content:   content,
	}))
	require.NoError(t, err)
	message, err := domain.MessageFromRow(row)
	require.NoError(t, err)
	return message
}

// collector records every callback of a session.
type collector struct {
	mu         sync.Mutex
	messages   []domain.EnrichedMessage
	counts     []int
	statuses   []domain.SubscriptionStatus
	visibility []VisibilityResult
}

func (c *collector) callbacks() SessionCallbacks {
	return SessionCallbacks{
		OnMessage: func(m domain.EnrichedMessage) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.messages = append(c.messages, m)
		},
		OnPresence: func(count int) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.counts = append(c.counts, count)
		},
		OnStatus: func(status domain.SubscriptionStatus) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.statuses = append(c.statuses, status)
		},
		OnVisibility: func(result VisibilityResult) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.visibility = append(c.visibility, result)
		},
	}
}

func (c *collector) contents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m.Content)
	}
	return out
}

func (c *collector) lastCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.counts) == 0 {
		return -1
	}
	return c.counts[len(c.counts)-1]
}

func (c *collector) visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.visibility) > 0 && c.visibility[0] == Visible
}

// faultyBackend lets a test break the current subscriptions of a broker:
// broken subscriptions report CHANNEL_ERROR and stop receiving inserts.
type faultyBackend struct {
	*realtime.Broker
	mu       sync.Mutex
	subs     []*faultySubscription
	channels atomic.Int32
}

func (b *faultyBackend) Channel(topic string) contract.Subscription {
	n := b.channels.Add(1)
	sub := &faultySubscription{Subscription: b.Broker.NewSubscription(topic, fmt.Sprintf("%s-%d", topic, n))}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

func (b *faultyBackend) RemoveChannel(sub contract.Subscription) error {
	if f, ok := sub.(*faultySubscription); ok {
		return b.Broker.RemoveChannel(f.Subscription)
	}
	return b.Broker.RemoveChannel(sub)
}

// breakAll reports CHANNEL_ERROR to every live subscription.
func (b *faultyBackend) breakAll() {
	b.mu.Lock()
	subs := append([]*faultySubscription(nil), b.subs...)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.fail()
	}
}

type faultySubscription struct {
	*realtime.Subscription
	broken atomic.Bool
	mu     sync.Mutex
	status contract.StatusFunc
}

func (s *faultySubscription) OnInsert(table domain.Table, filter domain.Filter, cb func(row *structpb.Struct)) {
	s.Subscription.OnInsert(table, filter, func(row *structpb.Struct) {
		if !s.broken.Load() {
			cb(row)
		}
	})
}

func (s *faultySubscription) Subscribe(cb contract.StatusFunc) {
	s.mu.Lock()
	s.status = cb
	s.mu.Unlock()
	s.Subscription.Subscribe(cb)
}

func (s *faultySubscription) fail() {
	if s.broken.Swap(true) {
		return
	}
	s.mu.Lock()
	cb := s.status
	s.mu.Unlock()
	if cb != nil {
		cb(domain.StatusChannelError, context.DeadlineExceeded)
	}
}
