// Package realtime is an in-process pub/sub backend: topics, presence and
// insert notifications over any row store.
package realtime

import (
	"context"
	"fmt"
	"hive-chat/contract"
	"hive-chat/domain"
	"hive-chat/errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const mailboxSize = 256

var _ contract.Backend = (*Broker)(nil)

// Broker fans presence and insert events out to the subscriptions of a topic.
// Each subscription owns an ordered mailbox, so one slow listener never
// delays the others. A delivery that cannot be queued within
// deliveryTimeout is dropped and logged.
type Broker struct {
	log             *slog.Logger
	store           contract.Store
	deliveryTimeout time.Duration

	mu       sync.RWMutex
	topics   map[string]map[string]*Subscription // topic -> key -> subscription
	presence map[string]domain.PresenceSnapshot  // topic -> key -> records

	// publishMu keeps insert notifications in commit order.
	publishMu sync.Mutex
}

func NewBroker(log *slog.Logger, store contract.Store, deliveryTimeout time.Duration) *Broker {
	if deliveryTimeout <= 0 {
		deliveryTimeout = time.Second
	}
	return &Broker{
		log:             log,
		store:           store,
		deliveryTimeout: deliveryTimeout,
		topics:          make(map[string]map[string]*Subscription),
		presence:        make(map[string]domain.PresenceSnapshot),
	}
}

func (b *Broker) Query(ctx context.Context, q domain.Query) ([]*structpb.Struct, error) {
	return b.store.Query(ctx, q)
}

// Insert stores the row then notifies every subscription listening on the table.
func (b *Broker) Insert(ctx context.Context, table domain.Table, row *structpb.Struct) (*structpb.Struct, error) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	inserted, err := b.store.Insert(ctx, table, row)
	if err != nil {
		return nil, err
	}
	b.publishInsert(table, inserted)
	return inserted, nil
}

func (b *Broker) Call(ctx context.Context, fn string, args *structpb.Struct) ([]*structpb.Struct, error) {
	return b.store.Call(ctx, fn, args)
}

// Channel returns a new subscription with its own connection key.
// Nothing is delivered before Subscribe.
func (b *Broker) Channel(topic string) contract.Subscription {
	return b.NewSubscription(topic, uuid.NewString())
}

// NewSubscription is Channel with an explicit connection key.
func (b *Broker) NewSubscription(topic, key string) *Subscription {
	return &Subscription{
		broker:   b,
		log:      b.log.With("topic", topic, "key", key),
		topic:    topic,
		key:      key,
		presence: make(map[domain.PresenceEvent][]func()),
		mailbox:  make(chan func(), mailboxSize),
		done:     make(chan struct{}),
	}
}

// RemoveChannel untracks the subscription, notifies the remaining ones and
// reports CLOSED to the removed one. Removing twice is a no-op.
func (b *Broker) RemoveChannel(sub contract.Subscription) error {
	s, ok := sub.(*Subscription)
	if !ok || s.broker != b {
		return fmt.Errorf("%w: foreign subscription on %s", errors.ErrSubscriptionClosed, sub.Topic())
	}
	if !s.markRemoved() {
		return nil
	}

	b.mu.Lock()
	wasSubscribed := false
	if members, ok := b.topics[s.topic]; ok {
		if _, wasSubscribed = members[s.key]; wasSubscribed {
			delete(members, s.key)
		}
		if len(members) == 0 {
			delete(b.topics, s.topic)
		}
	}
	_, tracked := b.presence[s.topic][s.key]
	if tracked {
		delete(b.presence[s.topic], s.key)
		if len(b.presence[s.topic]) == 0 {
			delete(b.presence, s.topic)
		}
	}
	remaining := b.membersLocked(s.topic)
	b.mu.Unlock()

	if tracked {
		for _, member := range remaining {
			member.emitPresence(domain.PresenceLeave)
			member.emitPresence(domain.PresenceSync)
		}
	}
	if wasSubscribed {
		s.close()
	}
	b.log.Debug("Subscription removed", "topic", s.topic, "key", s.key, "tracked", tracked)
	return nil
}

// Members counts the subscribed connections of a topic.
func (b *Broker) Members(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Broker) subscribe(s *Subscription) bool {
	b.mu.Lock()
	if s.isRemoved() {
		b.mu.Unlock()
		return false
	}
	members, ok := b.topics[s.topic]
	if !ok {
		members = make(map[string]*Subscription)
		b.topics[s.topic] = members
	}
	members[s.key] = s
	b.mu.Unlock()
	return true
}

func (b *Broker) track(s *Subscription, record domain.PresenceRecord) error {
	b.mu.Lock()
	if members := b.topics[s.topic]; members == nil || members[s.key] != s {
		b.mu.Unlock()
		return errors.ErrNotSubscribed
	}
	snapshot, ok := b.presence[s.topic]
	if !ok {
		snapshot = make(domain.PresenceSnapshot)
		b.presence[s.topic] = snapshot
	}
	snapshot[s.key] = []domain.PresenceRecord{record}
	members := b.membersLocked(s.topic)
	b.mu.Unlock()

	for _, member := range members {
		member.emitPresence(domain.PresenceJoin)
		member.emitPresence(domain.PresenceSync)
	}
	return nil
}

func (b *Broker) presenceState(topic string) domain.PresenceSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.presence[topic].Clone()
}

func (b *Broker) publishInsert(table domain.Table, row *structpb.Struct) {
	b.mu.RLock()
	var members []*Subscription
	for _, topic := range b.topics {
		for _, s := range topic {
			members = append(members, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range members {
		s.emitInsert(table, row)
	}
}

func (b *Broker) membersLocked(topic string) []*Subscription {
	members := make([]*Subscription, 0, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		members = append(members, s)
	}
	return members
}

type insertListener struct {
	table  domain.Table
	filter domain.Filter
	cb     func(row *structpb.Struct)
}

// Subscription is one connection to a broker topic.
type Subscription struct {
	broker *Broker
	log    *slog.Logger
	topic  string
	key    string

	mu         sync.RWMutex
	presence   map[domain.PresenceEvent][]func()
	inserts    []insertListener
	status     contract.StatusFunc
	subscribed bool
	removed    bool

	mailbox   chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) Topic() string { return s.topic }

// Key is the presence key of the connection.
func (s *Subscription) Key() string { return s.key }

func (s *Subscription) OnPresence(event domain.PresenceEvent, cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[event] = append(s.presence[event], cb)
}

func (s *Subscription) OnInsert(table domain.Table, filter domain.Filter, cb func(row *structpb.Struct)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, insertListener{table: table, filter: filter, cb: cb})
}

// Subscribe joins the topic, then reports SUBSCRIBED and sends the current
// presence state as a sync. Subscribing twice or after removal is a no-op.
func (s *Subscription) Subscribe(cb contract.StatusFunc) {
	s.mu.Lock()
	if s.subscribed || s.removed {
		s.mu.Unlock()
		s.log.Debug("Ignoring subscribe", "subscribed", s.subscribed, "removed", s.removed)
		return
	}
	s.subscribed = true
	s.status = cb
	s.mu.Unlock()

	go s.run()
	if !s.broker.subscribe(s) {
		s.close()
		return
	}
	s.enqueue(func() { s.callStatus(domain.StatusSubscribed, nil) })
	s.emitPresence(domain.PresenceSync)
}

func (s *Subscription) Track(ctx context.Context, record domain.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.broker.track(s, record)
}

func (s *Subscription) PresenceState() domain.PresenceSnapshot {
	return s.broker.presenceState(s.topic)
}

func (s *Subscription) run() {
	for {
		select {
		case task := <-s.mailbox:
			task()
		case <-s.done:
			return
		}
	}
}

// enqueue preserves the order of deliveries to this subscription.
func (s *Subscription) enqueue(task func()) bool {
	select {
	case s.mailbox <- task:
		return true
	default:
	}
	timer := time.NewTimer(s.broker.deliveryTimeout)
	defer timer.Stop()
	select {
	case s.mailbox <- task:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		s.log.Warn("Delivery timed out, dropping event")
		return false
	}
}

func (s *Subscription) emitPresence(event domain.PresenceEvent) {
	s.mu.RLock()
	listeners := append([]func(){}, s.presence[event]...)
	s.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	s.enqueue(func() {
		for _, cb := range listeners {
			s.safely("presence", cb)
		}
	})
}

func (s *Subscription) emitInsert(table domain.Table, row *structpb.Struct) {
	s.mu.RLock()
	var matching []func(*structpb.Struct)
	for _, l := range s.inserts {
		if l.table == table && l.filter.Match(row) {
			matching = append(matching, l.cb)
		}
	}
	s.mu.RUnlock()
	if len(matching) == 0 {
		return
	}
	s.enqueue(func() {
		for _, cb := range matching {
			clone := proto.Clone(row).(*structpb.Struct)
			s.safely("insert", func() { cb(clone) })
		}
	})
}

func (s *Subscription) callStatus(status domain.SubscriptionStatus, err error) {
	s.mu.RLock()
	cb := s.status
	s.mu.RUnlock()
	if cb != nil {
		s.safely("status", func() { cb(status, err) })
	}
}

// close delivers CLOSED as the last event, then stops the mailbox.
func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		if !s.enqueue(func() {
			s.callStatus(domain.StatusClosed, nil)
			close(s.done)
		}) {
			close(s.done)
		}
	})
}

func (s *Subscription) markRemoved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false
	}
	s.removed = true
	return true
}

func (s *Subscription) isRemoved() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.removed
}

func (s *Subscription) safely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Recovered from listener panic", "listener", kind, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
