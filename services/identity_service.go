package services

import (
	"context"
	"fmt"
	"hive-chat/contract"
	"hive-chat/domain"
	"hive-chat/errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

var validate = validator.New()

const guestAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

type IIdentityService interface {
	LoginOrRestore(ctx context.Context) domain.Identity
	UpdateProfile(ctx context.Context, userID string, update domain.ProfileUpdate) (domain.Identity, error)
	Current() (domain.Identity, bool)
}

// IdentityService owns the local guest identity.
// local may be nil when no persistent store is available.
type IdentityService struct {
	log      *slog.Logger
	store    contract.Store
	local    contract.IdentityStore
	profiles ProfileCache
	now      func() time.Time

	mu      sync.RWMutex
	current *domain.Identity
}

func NewIdentityService(log *slog.Logger, store contract.Store, local contract.IdentityStore, profiles ProfileCache) *IdentityService {
	return &IdentityService{log: log, store: store, local: local, profiles: profiles, now: time.Now}
}

// LoginOrRestore returns the persisted identity verbatim when there is one.
// Otherwise a guest identity is generated and registered remotely; a failed
// registration never blocks chat usage, the local identity is used unchanged.
func (s *IdentityService) LoginOrRestore(ctx context.Context) domain.Identity {
	if s.local != nil {
		identity, ok, err := s.local.Load()
		switch {
		case err != nil:
			s.log.Warn("Local identity unreadable, creating a new guest", "error", err)
		case ok:
			s.log.Debug("Loaded identity from local store", "user_id", identity.ID)
			s.setCurrent(identity)
			return identity
		}
	}

	identity, err := newGuestIdentity()
	if err != nil {
		return s.fallback(err)
	}

	registered := true
	row, err := s.store.Insert(ctx, domain.TableProfiles, domain.IdentityToRow(identity))
	if err != nil {
		registered = false
		s.log.Warn("Failed to register guest user, using local identity", "user_id", identity.ID, "error", err)
	} else {
		identity = domain.IdentityFromRow(row)
	}

	if err = s.persist(identity); err != nil {
		if !registered {
			return s.fallback(err)
		}
		s.log.Warn("Failed to persist identity locally", "user_id", identity.ID, "error", err)
	}
	s.setCurrent(identity)
	s.log.Info("Created guest user", "user_id", identity.ID, "username", identity.Username)
	return identity
}

// UpdateProfile edits the profile through the privileged backend function.
// Only non-nil fields are applied.
func (s *IdentityService) UpdateProfile(ctx context.Context, userID string, update domain.ProfileUpdate) (domain.Identity, error) {
	if err := validate.Struct(update); err != nil {
		return domain.Identity{}, err
	}
	args := &structpb.Struct{Fields: map[string]*structpb.Value{
		"p_user_id":    structpb.NewStringValue(userID),
		"p_username":   optionalString(update.Username),
		"p_avatar_url": optionalString(update.AvatarURL),
	}}
	rows, err := s.store.Call(ctx, domain.FuncUpdateUserProfile, args)
	if err != nil {
		s.log.Error("Failed to update user profile", "user_id", userID, "error", err)
		return domain.Identity{}, fmt.Errorf("update profile of %s: %w", userID, err)
	}
	if len(rows) == 0 {
		return domain.Identity{}, errors.ErrEmptyProfileUpdate
	}
	updated := domain.IdentityFromRow(rows[0])
	if updated.ID == "" {
		updated.ID = userID
	}
	if s.profiles != nil {
		s.profiles.Set(updated.Profile())
	}

	current, ok := s.Current()
	if !ok || current.ID != userID {
		return updated, nil
	}
	merged := update.Apply(current)
	if err = s.persist(merged); err != nil {
		s.log.Warn("Failed to persist updated identity", "user_id", userID, "error", err)
	}
	s.setCurrent(merged)
	return merged, nil
}

func (s *IdentityService) Current() (domain.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return domain.Identity{}, false
	}
	return *s.current, true
}

func (s *IdentityService) setCurrent(identity domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &identity
}

func (s *IdentityService) persist(identity domain.Identity) error {
	if s.local == nil {
		return fmt.Errorf("no local identity store")
	}
	return s.local.Save(identity)
}

// fallback synthesizes a time-seeded, local-only identity so callers always
// receive something usable.
func (s *IdentityService) fallback(cause error) domain.Identity {
	s.log.Error("Guest login failed, using local-only identity", "error", cause)
	identity := domain.Identity{
		ID:        fmt.Sprintf("local_%d", s.now().UnixMilli()),
		Username:  "LocalUser",
		AvatarURL: domain.AvatarURL("local"),
	}
	if err := s.persist(identity); err != nil {
		s.log.Debug("Local-only identity not persisted", "error", err)
	}
	s.setCurrent(identity)
	return identity
}

func newGuestIdentity() (domain.Identity, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{
		ID:        id.String(),
		Username:  "Guest_" + randomSuffix(5),
		AvatarURL: domain.AvatarURL(id.String()),
	}, nil
}

func randomSuffix(n int) string {
	var b strings.Builder
	for range n {
		b.WriteByte(guestAlphabet[rand.IntN(len(guestAlphabet))])
	}
	return b.String()
}

// RandomAvatar returns a fresh avatar URL for profile edits.
func RandomAvatar() string {
	return domain.AvatarURL(uuid.NewString())
}

func optionalString(s *string) *structpb.Value {
	if s == nil {
		return structpb.NewNullValue()
	}
	return structpb.NewStringValue(*s)
}
