package storage

import (
	"context"
	"fmt"
	"hive-chat/contract"
	"hive-chat/domain"
	"log/slog"
)

// DefaultChannels is the directory created on an empty store.
var DefaultChannels = []domain.Channel{
	{ID: 1, Name: "général", NameEn: "general", Description: "Discussions libres", DescriptionEn: "Open discussions", SortOrder: 1},
	{ID: 2, Name: "entraide", NameEn: "help", Description: "Questions et réponses", DescriptionEn: "Questions and answers", SortOrder: 2},
	{ID: 3, Name: "projets", NameEn: "projects", Description: "Montrez ce que vous construisez", DescriptionEn: "Show what you are building", SortOrder: 3},
}

// Seed inserts the channels when the directory is empty. It is a no-op otherwise.
func Seed(ctx context.Context, log *slog.Logger, store contract.Store, channels []domain.Channel) error {
	existing, err := store.Query(ctx, domain.Query{Table: domain.TableChannels, Limit: 1})
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if len(existing) > 0 {
		log.Debug("Channel directory already seeded")
		return nil
	}
	for _, channel := range channels {
		if _, err = store.Insert(ctx, domain.TableChannels, domain.ChannelToRow(channel)); err != nil {
			return fmt.Errorf("seed channel %d: %w", channel.ID, err)
		}
	}
	log.Info("Channel directory seeded", "count", len(channels))
	return nil
}
