package services

import (
	"context"
	"fmt"
	"hive-chat/domain"
	"hive-chat/errors"
	"hive-chat/mocks"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestMessageService_Send(t *testing.T) {
	ctx := context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	alice := domain.Identity{ID: "alice", Username: "Alice"}

	t.Run("should insert and return the server row", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		svc := NewMessageService(log, store)
		at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

		store.EXPECT().Query(gomock.Any(), gomock.Any()).Return([]*structpb.Struct{domain.IdentityToRow(alice)}, nil)
		store.EXPECT().
			Insert(gomock.Any(), domain.TableMessages, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ domain.Table, row *structpb.Struct) (*structpb.Struct, error) {
				row.Fields[domain.ColID] = structpb.NewNumberValue(12)
				row.Fields[domain.ColCreatedAt] = domain.TimestampValue(at)
				return row, nil
			})

		message, err := svc.Send(ctx, SendRequest{ChannelID: 1, UserID: "alice", Content: "hello"})

		req.NoError(err)
		req.Equal(domain.MessageID(12), message.ID)
		req.Equal(at, message.CreatedAt)
		req.Equal("hello", message.Content)
	})

	t.Run("should refuse a disabled user", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		svc := NewMessageService(log, store)
		disabled := alice
		disabled.IsDisabled = true

		store.EXPECT().Query(gomock.Any(), gomock.Any()).Return([]*structpb.Struct{domain.IdentityToRow(disabled)}, nil)
		store.EXPECT().Insert(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		_, err := svc.Send(ctx, SendRequest{ChannelID: 1, UserID: "alice", Content: "hello"})

		req.ErrorIs(err, errors.ErrUserDisabled)
	})

	t.Run("should send when the disabled check fails", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		svc := NewMessageService(log, store)

		store.EXPECT().Query(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("timeout"))
		store.EXPECT().Insert(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ domain.Table, row *structpb.Struct) (*structpb.Struct, error) {
				row.Fields[domain.ColCreatedAt] = domain.TimestampValue(time.Now())
				return row, nil
			})

		_, err := svc.Send(ctx, SendRequest{ChannelID: 1, UserID: "alice", Content: "hello"})

		req.NoError(err)
	})

	t.Run("should reject invalid requests without touching the backend", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		svc := NewMessageService(log, store)

		store.EXPECT().Query(gomock.Any(), gomock.Any()).Times(0)
		store.EXPECT().Insert(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		for name, request := range map[string]SendRequest{
			"empty":     {ChannelID: 1, UserID: "alice"},
			"no user":   {ChannelID: 1, Content: "hello"},
			"too long":  {ChannelID: 1, UserID: "alice", Content: strings.Repeat("a", 4001)},
			"no target": {UserID: "alice", Content: "hello"},
		} {
			_, err := svc.Send(ctx, request)
			require.Error(t, err, name)
		}
	})

	t.Run("should propagate insert failures", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		svc := NewMessageService(log, store)
		cause := fmt.Errorf("insert failed")

		store.EXPECT().Query(gomock.Any(), gomock.Any()).Return(nil, nil)
		store.EXPECT().Insert(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, cause)

		_, err := svc.Send(ctx, SendRequest{ChannelID: 1, UserID: "alice", Content: "hello"})

		req.ErrorIs(err, cause)
	})
}
