package runtime

import (
	"fmt"
	"hive-chat/contract"
	"hive-chat/errors"
	"sync"
)

// Owner identifies which component holds a subscription handle.
type Owner string

const (
	OwnerSession  Owner = "session"
	OwnerPresence Owner = "presence"
)

// Registry accounts for every live subscription handle and timer, by topic.
// An owner holds at most one handle per topic.
type Registry struct {
	mu      sync.RWMutex
	handles map[Owner]map[string]contract.Subscription // owner -> topic -> handle
	timers  map[string]int                             // topic -> live timers
}

func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[Owner]map[string]contract.Subscription),
		timers:  make(map[string]int),
	}
}

// Register records a handle for its topic. It fails when the owner already
// holds a live handle for that topic.
func (r *Registry) Register(owner Owner, sub contract.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics, ok := r.handles[owner]
	if !ok {
		topics = make(map[string]contract.Subscription)
		r.handles[owner] = topics
	}
	if _, exists := topics[sub.Topic()]; exists {
		return fmt.Errorf("%w: %s %s", errors.ErrHandleExists, owner, sub.Topic())
	}
	topics[sub.Topic()] = sub
	return nil
}

// Unregister forgets the handle only if it is the one registered, so a stale
// release never drops a newer handle of the same topic.
func (r *Registry) Unregister(owner Owner, sub contract.Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics, ok := r.handles[owner]
	if !ok || topics[sub.Topic()] != sub {
		return false
	}
	delete(topics, sub.Topic())
	if len(topics) == 0 {
		delete(r.handles, owner)
	}
	return true
}

// Handles counts the live handles of a topic across owners.
func (r *Registry) Handles(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, topics := range r.handles {
		if _, ok := topics[topic]; ok {
			count++
		}
	}
	return count
}

// Len counts every live handle.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, topics := range r.handles {
		count += len(topics)
	}
	return count
}

// TrackTimer records a running timer for topic until release is called.
// Calling release more than once has no effect.
func (r *Registry) TrackTimer(topic string) func() {
	r.mu.Lock()
	r.timers[topic]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.timers[topic]--
			if r.timers[topic] <= 0 {
				delete(r.timers, topic)
			}
		})
	}
}

func (r *Registry) Timers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timers[topic]
}
