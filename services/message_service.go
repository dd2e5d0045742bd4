package services

import (
	"context"
	"fmt"
	"hive-chat/contract"
	"hive-chat/domain"
	"hive-chat/errors"
	"log/slog"

	"google.golang.org/protobuf/types/known/structpb"
)

type IMessageService interface {
	Send(ctx context.Context, req SendRequest) (domain.Message, error)
	IsDisabled(ctx context.Context, userID string) bool
}

type SendRequest struct {
	ChannelID domain.ChannelID `validate:"required"`
	UserID    string           `validate:"required"`
	Content   string           `validate:"max=4000"`
	Metadata  *structpb.Struct
}

type MessageService struct {
	log   *slog.Logger
	store contract.Store
}

func NewMessageService(log *slog.Logger, store contract.Store) *MessageService {
	return &MessageService{log: log, store: store}
}

// IsDisabled fails open: an unreachable profile never blocks sending.
func (s *MessageService) IsDisabled(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	rows, err := s.store.Query(ctx, domain.Query{
		Table:   domain.TableProfiles,
		Filters: []domain.Filter{domain.Eq(domain.ColID, structpb.NewStringValue(userID))},
		Limit:   1,
	})
	if err != nil || len(rows) == 0 {
		s.log.Warn("Failed to check user disabled status", "user_id", userID, "error", err)
		return false
	}
	return domain.IdentityFromRow(rows[0]).IsDisabled
}

// Send inserts a message and returns the row as assigned by the server.
func (s *MessageService) Send(ctx context.Context, req SendRequest) (domain.Message, error) {
	if err := validate.Struct(req); err != nil {
		return domain.Message{}, err
	}
	if req.Content == "" && len(req.Metadata.GetFields()) == 0 {
		return domain.Message{}, errors.ErrEmptyMessage
	}
	if s.IsDisabled(ctx, req.UserID) {
		return domain.Message{}, errors.ErrUserDisabled
	}
	row, err := s.store.Insert(ctx, domain.TableMessages, domain.MessageToRow(domain.Message{
		ChannelID: req.ChannelID,
		UserID:    req.UserID,
		Content:   req.Content,
		Metadata:  req.Metadata,
	}))
	if err != nil {
		s.log.Error("Failed to send message", "channel_id", req.ChannelID, "error", err)
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}
	return domain.MessageFromRow(row)
}
