package services

import (
	"context"
	"hive-chat/contract"
	"hive-chat/domain"
	"log/slog"

	"github.com/samber/lo"
	"google.golang.org/protobuf/types/known/structpb"
)

type IDirectoryService interface {
	List(ctx context.Context) []domain.Channel
}

type DirectoryService struct {
	log   *slog.Logger
	store contract.Store
}

func NewDirectoryService(log *slog.Logger, store contract.Store) *DirectoryService {
	return &DirectoryService{log: log, store: store}
}

// List returns the channels ordered by (sort_order, id).
// A missing directory must not break the caller: errors yield an empty list.
func (s *DirectoryService) List(ctx context.Context) []domain.Channel {
	rows, err := s.store.Query(ctx, domain.Query{
		Table: domain.TableChannels,
		Order: []domain.Order{{Column: domain.ColSortOrder}, {Column: domain.ColID}},
	})
	if err != nil {
		s.log.Error("Failed to fetch channels", "error", err)
		return []domain.Channel{}
	}
	channels := lo.Map(rows, func(row *structpb.Struct, _ int) domain.Channel {
		return domain.ChannelFromRow(row)
	})
	domain.SortChannels(channels)
	s.log.Debug("Fetched channels", "count", len(channels))
	return channels
}
