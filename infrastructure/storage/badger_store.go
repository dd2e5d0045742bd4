package storage

import (
	"context"
	"fmt"
	"hive-chat/contract"
	"hive-chat/domain"
	"hive-chat/errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	rowPrefix       = "row:"
	sequencePrefix  = "seq:"
	sequenceLeasing = 100
)

var _ contract.Store = (*BadgerStore)(nil)

type BadgerOption func(*BadgerStore)

// WithClock overrides the clock used to stamp created_at.
func WithClock(now func() time.Time) BadgerOption {
	return func(s *BadgerStore) { s.now = now }
}

// BadgerStore keeps every table in one badger keyspace.
// Keys:
//
//	row:messages:{channel %019d}:{id %019d}
//	row:channels:{id %019d}
//	row:profiles:{user id}
//
// Message keys are scoped by channel so a channel filter becomes a prefix scan.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
	now func() time.Time

	mu            sync.Mutex
	sequences     map[domain.Table]*badger.Sequence
	lastCreatedAt time.Time
}

func NewBadgerStore(db *badger.DB, log *slog.Logger, opts ...BadgerOption) *BadgerStore {
	s := &BadgerStore{
		db:        db,
		log:       log,
		now:       time.Now,
		sequences: make(map[domain.Table]*badger.Sequence),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query scans the table prefix. A message page of one channel ordered by id or
// created_at walks the keys in that order, newest first when descending, and
// stops once the limit is reached. Other queries are filtered in memory.
func (s *BadgerStore) Query(_ context.Context, q domain.Query) ([]*structpb.Struct, error) {
	prefix, err := scanPrefix(q)
	if err != nil {
		return nil, err
	}
	paged, reverse := messagePage(q)
	var rows []*structpb.Struct
	err = s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		options.Reverse = reverse
		it := txn.NewIterator(options)
		defer it.Close()

		seekKey := prefix
		if reverse {
			// Past the last key of the prefix
			seekKey = append(slices.Clone(prefix), 0xFF)
		}
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if paged && q.Limit > 0 && len(rows) == q.Limit {
				s.log.Debug(fmt.Sprintf("Maximum of %d rows reached", q.Limit), "table", q.Table)
				break
			}
			var row structpb.Struct
			if err := it.Item().Value(func(val []byte) error {
				return proto.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			if paged && !domain.MatchAll(&row, q.Filters) {
				if pastCursor(&row, q.Filters, reverse) {
					break
				}
				continue
			}
			rows = append(rows, &row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Table, err)
	}
	if paged {
		return rows, nil
	}
	return q.Apply(rows), nil
}

// messagePage reports whether the key order of a channel serves the query.
// Ids and created_at are assigned together under one lock, so both follow
// the key order of a channel.
func messagePage(q domain.Query) (paged, reverse bool) {
	if q.Table != domain.TableMessages || !lo.ContainsBy(q.Filters, isChannelScope) {
		return false, false
	}
	switch len(q.Order) {
	case 0:
		return true, false
	case 1:
		if q.Order[0].Column == domain.ColID || q.Order[0].Column == domain.ColCreatedAt {
			return true, q.Order[0].Descending
		}
	}
	return false, false
}

func isChannelScope(f domain.Filter) bool {
	return f.Column == domain.ColChannelID && f.Op == domain.OpEq
}

// pastCursor reports whether a row failed a bound that every later row in
// iteration order fails too.
func pastCursor(row *structpb.Struct, filters []domain.Filter, reverse bool) bool {
	for _, f := range filters {
		if f.Column != domain.ColID && f.Column != domain.ColCreatedAt {
			continue
		}
		bound := (reverse && f.Op == domain.OpGt) || (!reverse && f.Op == domain.OpLt)
		if bound && !f.Match(row) {
			return true
		}
	}
	return false
}

// Insert assigns server-side fields and returns the stored row.
// Messages get a sequence id and a strictly increasing created_at.
func (s *BadgerStore) Insert(_ context.Context, table domain.Table, row *structpb.Struct) (*structpb.Struct, error) {
	stored := proto.Clone(row).(*structpb.Struct)
	if stored.Fields == nil {
		stored.Fields = map[string]*structpb.Value{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var key []byte
	switch table {
	case domain.TableMessages:
		channel, ok := stored.Fields[domain.ColChannelID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", errors.ErrUnknownColumn, domain.ColChannelID)
		}
		id, err := s.nextID(table)
		if err != nil {
			return nil, err
		}
		stored.Fields[domain.ColID] = structpb.NewNumberValue(float64(id))
		stored.Fields[domain.ColCreatedAt] = domain.TimestampValue(s.nextCreatedAt())
		if _, ok = stored.Fields[domain.ColMetadata]; !ok {
			stored.Fields[domain.ColMetadata] = structpb.NewStructValue(&structpb.Struct{})
		}
		key = messageKey(domain.ChannelID(channel.GetNumberValue()), domain.MessageID(id))
	case domain.TableChannels:
		id := int64(stored.Fields[domain.ColID].GetNumberValue())
		if id == 0 {
			next, err := s.nextID(table)
			if err != nil {
				return nil, err
			}
			id = int64(next)
			stored.Fields[domain.ColID] = structpb.NewNumberValue(float64(id))
		}
		key = channelKey(domain.ChannelID(id))
	case domain.TableProfiles:
		id := stored.Fields[domain.ColID].GetStringValue()
		if id == "" {
			return nil, fmt.Errorf("%w: %s", errors.ErrUnknownColumn, domain.ColID)
		}
		if _, ok := stored.Fields[domain.ColIsDisabled]; !ok {
			stored.Fields[domain.ColIsDisabled] = structpb.NewBoolValue(false)
		}
		key = profileKey(id)
	default:
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownTable, table)
	}

	data, err := proto.Marshal(stored)
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return errors.ErrDuplicateKey
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	s.log.Debug("Row inserted", "table", table, "key", string(key))
	return stored, nil
}

// Call implements update_user_profile: null arguments leave columns untouched
// and an unknown user yields no rows.
func (s *BadgerStore) Call(_ context.Context, fn string, args *structpb.Struct) ([]*structpb.Struct, error) {
	if fn != domain.FuncUpdateUserProfile {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownFunction, fn)
	}
	fields := args.GetFields()
	key := profileKey(fields["p_user_id"].GetStringValue())

	var updated *structpb.Struct
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var row structpb.Struct
		if err = item.Value(func(val []byte) error { return proto.Unmarshal(val, &row) }); err != nil {
			return err
		}
		setIfPresent(&row, domain.ColUsername, fields["p_username"])
		setIfPresent(&row, domain.ColAvatarURL, fields["p_avatar_url"])
		data, err := proto.Marshal(&row)
		if err != nil {
			return err
		}
		updated = &row
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", fn, err)
	}
	if updated == nil {
		return nil, nil
	}
	return []*structpb.Struct{updated}, nil
}

// Close releases the leased sequence ranges. The db is owned by the caller.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for table, seq := range s.sequences {
		if err := seq.Release(); err != nil {
			s.log.Warn("Failed to release sequence", "table", table, "error", err)
		}
	}
	clear(s.sequences)
	return nil
}

func (s *BadgerStore) nextID(table domain.Table) (uint64, error) {
	seq, ok := s.sequences[table]
	if !ok {
		var err error
		seq, err = s.db.GetSequence([]byte(sequencePrefix+string(table)), sequenceLeasing)
		if err != nil {
			return 0, fmt.Errorf("sequence %s: %w", table, err)
		}
		s.sequences[table] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	// Sequences start at zero, ids start at one.
	return n + 1, nil
}

// nextCreatedAt is strictly increasing at the stored precision.
func (s *BadgerStore) nextCreatedAt() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.lastCreatedAt) {
		t = s.lastCreatedAt.Add(time.Microsecond)
	}
	s.lastCreatedAt = t
	return t
}

func setIfPresent(row *structpb.Struct, column string, value *structpb.Value) {
	if value == nil {
		return
	}
	if _, isNull := value.GetKind().(*structpb.Value_NullValue); isNull {
		return
	}
	row.Fields[column] = value
}

func scanPrefix(q domain.Query) ([]byte, error) {
	switch q.Table {
	case domain.TableMessages:
		for _, f := range q.Filters {
			if isChannelScope(f) {
				return []byte(fmt.Sprintf("%s%s:%019d:", rowPrefix, q.Table, int64(f.Value.GetNumberValue()))), nil
			}
		}
		return tablePrefix(q.Table), nil
	case domain.TableChannels, domain.TableProfiles:
		return tablePrefix(q.Table), nil
	default:
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownTable, q.Table)
	}
}

func tablePrefix(table domain.Table) []byte {
	return []byte(rowPrefix + string(table) + ":")
}

func messageKey(channel domain.ChannelID, id domain.MessageID) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%019d", rowPrefix, domain.TableMessages, channel, id))
}

func channelKey(id domain.ChannelID) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d", rowPrefix, domain.TableChannels, id))
}

func profileKey(userID string) []byte {
	return []byte(rowPrefix + string(domain.TableProfiles) + ":" + strings.TrimSpace(userID))
}
