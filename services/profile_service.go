//go:generate go run go.uber.org/mock/mockgen -source=profile_service.go -destination=../mocks/mock_profile_cache.go -package=mocks
package services

import (
	"context"
	"hive-chat/contract"
	"hive-chat/domain"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"google.golang.org/protobuf/types/known/structpb"
)

// lookupTimeout bounds a shared lookup, which outlives the caller that started it.
const lookupTimeout = 10 * time.Second

// ProfileCache is the write side of the profile memo, used by identity updates.
type ProfileCache interface {
	Set(profile domain.Profile)
	Clear(userID string)
}

var (
	_ contract.ProfileResolver = (*ProfileService)(nil)
	_ ProfileCache             = (*ProfileService)(nil)
)

// ProfileService resolves user ids to display profiles and memoizes them.
// Concurrent lookups of one id collapse into a single backend query.
type ProfileService struct {
	log   *slog.Logger
	store contract.Store
	mu    sync.RWMutex
	cache map[string]domain.Profile
	group singleflight.Group
}

func NewProfileService(log *slog.Logger, store contract.Store) *ProfileService {
	return &ProfileService{
		log:   log,
		store: store,
		cache: make(map[string]domain.Profile),
	}
}

// Get never fails: unknown users resolve to a default profile which is cached,
// lookup errors resolve to the same default without caching it.
func (s *ProfileService) Get(ctx context.Context, userID string) domain.Profile {
	if profile, ok := s.cached(userID); ok {
		return profile
	}
	v, _, _ := s.group.Do(userID, func() (any, error) {
		if profile, ok := s.cached(userID); ok {
			return profile, nil
		}
		// Waiters share this lookup: one caller leaving must not fail the others.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		rows, err := s.store.Query(lookupCtx, domain.Query{
			Table:   domain.TableProfiles,
			Filters: []domain.Filter{domain.Eq(domain.ColID, structpb.NewStringValue(userID))},
			Limit:   1,
		})
		if err != nil {
			s.log.Warn("Failed to get user profile", "user_id", userID, "error", err)
			return domain.UnknownProfile(userID), nil
		}
		profile := domain.UnknownProfile(userID)
		if len(rows) > 0 {
			profile = domain.ProfileFromRow(rows[0])
		}
		s.Set(profile)
		return profile, nil
	})
	return v.(domain.Profile)
}

func (s *ProfileService) Set(profile domain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[profile.ID] = profile
}

func (s *ProfileService) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, userID)
}

func (s *ProfileService) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.cache)
}

func (s *ProfileService) cached(userID string) (domain.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.cache[userID]
	return profile, ok
}
