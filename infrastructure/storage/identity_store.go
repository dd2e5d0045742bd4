package storage

import (
	"hive-chat/contract"
	"hive-chat/domain"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const activeIdentityKey = "identity:active"

var _ contract.IdentityStore = (*IdentityStore)(nil)

// IdentityStore keeps the active guest identity on the local disk so that a
// restart restores the same user.
type IdentityStore struct {
	db  *badger.DB
	log *slog.Logger
}

func NewIdentityStore(db *badger.DB, log *slog.Logger) *IdentityStore {
	return &IdentityStore{db: db, log: log}
}

func (s *IdentityStore) Load() (domain.Identity, bool, error) {
	var row structpb.Struct
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(activeIdentityKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return proto.Unmarshal(val, &row)
		})
	})
	if err == badger.ErrKeyNotFound {
		return domain.Identity{}, false, nil
	}
	if err != nil {
		return domain.Identity{}, false, err
	}
	return domain.IdentityFromRow(&row), true, nil
}

func (s *IdentityStore) Save(identity domain.Identity) error {
	data, err := proto.Marshal(domain.IdentityToRow(identity))
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(activeIdentityKey), data)
	})
}
