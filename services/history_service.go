package services

import (
	"context"
	"hive-chat/contract"
	"hive-chat/domain"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHistoryLimit = 50
	maxProfileLookups   = 8
)

type IHistoryService interface {
	Fetch(ctx context.Context, channelID domain.ChannelID, opts FetchOptions) []domain.EnrichedMessage
}

// FetchOptions selects one page of history.
// Before pages backward through older history, After catches up on messages
// missed while disconnected. Setting both yields the window between them.
type FetchOptions struct {
	Limit  int
	Before *time.Time
	After  *time.Time
}

type HistoryService struct {
	log      *slog.Logger
	store    contract.Store
	profiles contract.ProfileResolver
}

func NewHistoryService(log *slog.Logger, store contract.Store, profiles contract.ProfileResolver) *HistoryService {
	return &HistoryService{log: log, store: store, profiles: profiles}
}

// Fetch returns at most Limit messages in ascending created_at order: the most
// recent ones matching the cursor. Errors are logged and yield an empty slice,
// which callers treat as "no change".
func (s *HistoryService) Fetch(ctx context.Context, channelID domain.ChannelID, opts FetchOptions) []domain.EnrichedMessage {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	filters := []domain.Filter{domain.Eq(domain.ColChannelID, domain.ChannelIDValue(channelID))}
	if opts.Before != nil {
		filters = append(filters, domain.Lt(domain.ColCreatedAt, domain.TimestampValue(*opts.Before)))
	}
	if opts.After != nil {
		filters = append(filters, domain.Gt(domain.ColCreatedAt, domain.TimestampValue(*opts.After)))
	}

	rows, err := s.store.Query(ctx, domain.Query{
		Table:   domain.TableMessages,
		Filters: filters,
		Order:   []domain.Order{{Column: domain.ColCreatedAt, Descending: true}},
		Limit:   limit,
	})
	if err != nil {
		s.log.Error("Failed to fetch messages", "channel_id", channelID, "error", err)
		return []domain.EnrichedMessage{}
	}

	messages := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		message, err := domain.MessageFromRow(row)
		if err != nil {
			s.log.Error("Failed to decode message", "channel_id", channelID, "error", err)
			return []domain.EnrichedMessage{}
		}
		messages = append(messages, message)
	}
	messages = lo.Reverse(messages)

	profiles := s.resolveProfiles(ctx, messages)
	enriched := lo.Map(messages, func(m domain.Message, _ int) domain.EnrichedMessage {
		return domain.Enrich(m, profiles[m.UserID])
	})
	s.log.Debug("Fetched messages",
		"channel_id", channelID, "count", len(enriched),
		"before", opts.Before, "after", opts.After)
	return enriched
}

// resolveProfiles looks each distinct sender up exactly once.
func (s *HistoryService) resolveProfiles(ctx context.Context, messages []domain.Message) map[string]domain.Profile {
	userIDs := lo.Uniq(lo.Map(messages, func(m domain.Message, _ int) string { return m.UserID }))
	profiles := make(map[string]domain.Profile, len(userIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxProfileLookups)
	for _, userID := range userIDs {
		g.Go(func() error {
			profile := s.profiles.Get(gctx, userID)
			mu.Lock()
			profiles[userID] = profile
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return profiles
}
