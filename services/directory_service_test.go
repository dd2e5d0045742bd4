package services

import (
	"context"
	"fmt"
	"hive-chat/domain"
	"hive-chat/mocks"
	"log/slog"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestDirectoryService_List(t *testing.T) {
	ctx := context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	t.Run("should order channels by sort order then id", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		svc := NewDirectoryService(log, store)

		store.EXPECT().Query(gomock.Any(), gomock.Any()).Return([]*structpb.Struct{
			domain.ChannelToRow(domain.Channel{ID: 3, Name: "c", SortOrder: 2}),
			domain.ChannelToRow(domain.Channel{ID: 2, Name: "b", SortOrder: 1}),
			domain.ChannelToRow(domain.Channel{ID: 1, Name: "a", SortOrder: 2}),
		}, nil)

		channels := svc.List(ctx)

		req.Len(channels, 3)
		req.Equal([]domain.ChannelID{2, 1, 3}, []domain.ChannelID{channels[0].ID, channels[1].ID, channels[2].ID})
	})

	t.Run("should return an empty list when the backend fails", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		svc := NewDirectoryService(log, store)

		store.EXPECT().Query(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("relation does not exist"))

		channels := svc.List(ctx)

		req.NotNil(channels)
		req.Empty(channels)
	})
}
