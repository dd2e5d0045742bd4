package storage

import (
	"context"
	"hive-chat/domain"
	"hive-chat/errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func setupTestDB(t *testing.T) *badger.DB {
	db, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// steppedClock returns base, base+step, base+2*step...
func steppedClock(base time.Time, step time.Duration) func() time.Time {
	next := base
	return func() time.Time {
		t := next
		next = next.Add(step)
		return t
	}
}

func Test_Insert_Message_Assigns_Id_And_CreatedAt(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	store := NewBadgerStore(setupTestDB(t), logs.GetLoggerFromLevel(slog.LevelDebug), WithClock(steppedClock(base, time.Second)))
	defer store.Close()

	// Given two messages sent in channel 1
	first, err := store.Insert(ctx, domain.TableMessages, domain.MessageToRow(domain.Message{ChannelID: 1, UserID: "alice", Content: "hello"}))
	req.NoError(err)
	second, err := store.Insert(ctx, domain.TableMessages, domain.MessageToRow(domain.Message{ChannelID: 1, UserID: "bob", Content: "hi"}))
	req.NoError(err)

	// Then ids and timestamps are assigned server side
	m1, err := domain.MessageFromRow(first)
	req.NoError(err)
	m2, err := domain.MessageFromRow(second)
	req.NoError(err)
	req.Equal(domain.MessageID(1), m1.ID)
	req.Equal(domain.MessageID(2), m2.ID)
	req.Equal(base, m1.CreatedAt)
	req.True(m2.CreatedAt.After(m1.CreatedAt))
	req.NotNil(m1.Metadata)
}

func Test_CreatedAt_Stays_Strictly_Increasing_With_A_Frozen_Clock(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	frozen := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	store := NewBadgerStore(setupTestDB(t), logs.GetLoggerFromLevel(slog.LevelDebug), WithClock(func() time.Time { return frozen }))
	defer store.Close()

	var previous time.Time
	for range 3 {
		row, err := store.Insert(ctx, domain.TableMessages, domain.MessageToRow(domain.Message{ChannelID: 1, UserID: "alice", Content: "x"}))
		req.NoError(err)
		m, err := domain.MessageFromRow(row)
		req.NoError(err)
		req.True(m.CreatedAt.After(previous))
		previous = m.CreatedAt
	}
}

func Test_Query_Messages_Is_Scoped_By_Channel_And_Ordered(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewBadgerStore(setupTestDB(t), logs.GetLoggerFromLevel(slog.LevelDebug))
	defer store.Close()

	for _, channel := range []domain.ChannelID{1, 2, 1, 1} {
		_, err := store.Insert(ctx, domain.TableMessages, domain.MessageToRow(domain.Message{ChannelID: channel, UserID: "alice", Content: "x"}))
		req.NoError(err)
	}

	// When fetching the two most recent messages of channel 1
	rows, err := store.Query(ctx, domain.Query{
		Table:   domain.TableMessages,
		Filters: []domain.Filter{domain.Eq(domain.ColChannelID, domain.ChannelIDValue(1))},
		Order:   []domain.Order{{Column: domain.ColCreatedAt, Descending: true}},
		Limit:   2,
	})

	// Then only channel 1 rows come back, newest first
	req.NoError(err)
	req.Len(rows, 2)
	req.Equal(float64(4), rows[0].Fields[domain.ColID].GetNumberValue())
	req.Equal(float64(3), rows[1].Fields[domain.ColID].GetNumberValue())
}

func Test_Query_Messages_Pages_Backwards_From_A_Cursor(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	store := NewBadgerStore(setupTestDB(t), logs.GetLoggerFromLevel(slog.LevelDebug), WithClock(steppedClock(base, time.Second)))
	defer store.Close()

	// Given ten messages in channel 1 interleaved with channel 2
	for i := range 20 {
		_, err := store.Insert(ctx, domain.TableMessages, domain.MessageToRow(domain.Message{ChannelID: domain.ChannelID(i%2 + 1), UserID: "alice", Content: "x"}))
		req.NoError(err)
	}
	ids := func(rows []*structpb.Struct) []float64 {
		out := make([]float64, 0, len(rows))
		for _, row := range rows {
			out = append(out, row.Fields[domain.ColID].GetNumberValue())
		}
		return out
	}
	page := func(limit int, filters ...domain.Filter) []float64 {
		rows, err := store.Query(ctx, domain.Query{
			Table:   domain.TableMessages,
			Filters: append([]domain.Filter{domain.Eq(domain.ColChannelID, domain.ChannelIDValue(1))}, filters...),
			Order:   []domain.Order{{Column: domain.ColCreatedAt, Descending: true}},
			Limit:   limit,
		})
		req.NoError(err)
		return ids(rows)
	}

	// Then the latest page is the newest rows of channel 1
	req.Equal([]float64{19, 17, 15}, page(3))

	// And a before cursor continues from there
	before := domain.TimestampValue(base.Add(14 * time.Second))
	req.Equal([]float64{13, 11, 9}, page(3, domain.Lt(domain.ColCreatedAt, before)))

	// And an after cursor stops at the bound, even below the limit
	after := domain.TimestampValue(base.Add(12 * time.Second))
	req.Equal([]float64{19, 17, 15}, page(10, domain.Gt(domain.ColCreatedAt, after)))

	// And both cursors give a window
	since := domain.TimestampValue(base.Add(10 * time.Second))
	req.Equal([]float64{13}, page(10, domain.Gt(domain.ColCreatedAt, since), domain.Lt(domain.ColCreatedAt, before)))

	// And an unordered page follows insertion order
	rows, err := store.Query(ctx, domain.Query{
		Table:   domain.TableMessages,
		Filters: []domain.Filter{domain.Eq(domain.ColChannelID, domain.ChannelIDValue(2))},
		Limit:   2,
	})
	req.NoError(err)
	req.Equal([]float64{2, 4}, ids(rows))
}

func Test_Insert_Profile_Twice_Is_A_Duplicate(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewBadgerStore(setupTestDB(t), logs.GetLoggerFromLevel(slog.LevelDebug))
	identity := domain.Identity{ID: "u1", Username: "Guest_abcde", AvatarURL: domain.AvatarURL("u1")}

	_, err := store.Insert(ctx, domain.TableProfiles, domain.IdentityToRow(identity))
	req.NoError(err)
	_, err = store.Insert(ctx, domain.TableProfiles, domain.IdentityToRow(identity))
	req.ErrorIs(err, errors.ErrDuplicateKey)
}

func Test_Update_User_Profile_Leaves_Null_Fields_Untouched(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewBadgerStore(setupTestDB(t), logs.GetLoggerFromLevel(slog.LevelDebug))
	identity := domain.Identity{ID: "u1", Username: "Guest_abcde", AvatarURL: "https://a/1.svg"}
	_, err := store.Insert(ctx, domain.TableProfiles, domain.IdentityToRow(identity))
	req.NoError(err)

	// When only the username is provided
	rows, err := store.Call(ctx, domain.FuncUpdateUserProfile, &structpb.Struct{Fields: map[string]*structpb.Value{
		"p_user_id":    structpb.NewStringValue("u1"),
		"p_username":   structpb.NewStringValue("Alice"),
		"p_avatar_url": structpb.NewNullValue(),
	}})

	// Then the avatar is preserved
	req.NoError(err)
	req.Len(rows, 1)
	updated := domain.IdentityFromRow(rows[0])
	req.Equal("Alice", updated.Username)
	req.Equal("https://a/1.svg", updated.AvatarURL)
}

func Test_Update_Unknown_User_Returns_No_Rows(t *testing.T) {
	req := require.New(t)
	store := NewBadgerStore(setupTestDB(t), logs.GetLoggerFromLevel(slog.LevelDebug))

	rows, err := store.Call(context.Background(), domain.FuncUpdateUserProfile, &structpb.Struct{Fields: map[string]*structpb.Value{
		"p_user_id":  structpb.NewStringValue("ghost"),
		"p_username": structpb.NewStringValue("Alice"),
	}})
	req.NoError(err)
	req.Empty(rows)
}

func Test_Unknown_Table_And_Function_Are_Rejected(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewBadgerStore(setupTestDB(t), logs.GetLoggerFromLevel(slog.LevelDebug))

	_, err := store.Query(ctx, domain.Query{Table: "rooms"})
	req.ErrorIs(err, errors.ErrUnknownTable)
	_, err = store.Insert(ctx, "rooms", &structpb.Struct{})
	req.ErrorIs(err, errors.ErrUnknownTable)
	_, err = store.Call(ctx, "drop_everything", &structpb.Struct{})
	req.ErrorIs(err, errors.ErrUnknownFunction)
}

func Test_Seed_Only_Fills_An_Empty_Directory(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	store := NewBadgerStore(setupTestDB(t), log)

	req.NoError(Seed(ctx, log, store, DefaultChannels))
	req.NoError(Seed(ctx, log, store, DefaultChannels))

	rows, err := store.Query(ctx, domain.Query{Table: domain.TableChannels, Order: []domain.Order{{Column: domain.ColSortOrder}}})
	req.NoError(err)
	req.Len(rows, len(DefaultChannels))
	req.Equal("general", domain.ChannelFromRow(rows[0]).NameEn)
}

func Test_Identity_Store_Round_Trip(t *testing.T) {
	req := require.New(t)
	store := NewIdentityStore(setupTestDB(t), logs.GetLoggerFromLevel(slog.LevelDebug))

	// Given an empty store
	_, ok, err := store.Load()
	req.NoError(err)
	req.False(ok)

	// When an identity is saved
	identity := domain.Identity{ID: "u1", Username: "Guest_abcde", AvatarURL: domain.AvatarURL("u1")}
	req.NoError(store.Save(identity))

	// Then it is restored verbatim
	loaded, ok, err := store.Load()
	req.NoError(err)
	req.True(ok)
	req.Equal(identity, loaded)
}
