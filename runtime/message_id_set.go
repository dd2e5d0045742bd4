package runtime

import (
	"hive-chat/contract"
	"hive-chat/domain"
	"sync"
)

var _ contract.RenderedSet = (*MessageIDSet)(nil)

// MessageIDSet remembers which messages were already delivered to the caller.
type MessageIDSet struct {
	mu  sync.RWMutex
	ids map[domain.MessageID]struct{}
}

func NewMessageIDSet() *MessageIDSet {
	return &MessageIDSet{ids: make(map[domain.MessageID]struct{})}
}

func (s *MessageIDSet) Has(id domain.MessageID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Add returns false when the id was already present.
func (s *MessageIDSet) Add(id domain.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *MessageIDSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
