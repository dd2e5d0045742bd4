//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"hive-chat/domain"
	"reflect"

	"google.golang.org/protobuf/types/known/structpb"
)

type ISupervisor interface {
	Start(ctx context.Context, worker Worker)
	Stop()
	Wait()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Store is the data plane of the backend: rows are opaque value bags.
type Store interface {
	Query(ctx context.Context, q domain.Query) ([]*structpb.Struct, error)
	Insert(ctx context.Context, table domain.Table, row *structpb.Struct) (*structpb.Struct, error)
	// Call runs a privileged backend function bypassing per-row authorization.
	Call(ctx context.Context, fn string, args *structpb.Struct) ([]*structpb.Struct, error)
}

// Backend is a pub/sub capable store.
type Backend interface {
	Store
	Channel(topic string) Subscription
	RemoveChannel(sub Subscription) error
}

type StatusFunc func(status domain.SubscriptionStatus, err error)

// Subscription is one live connection to a topic.
// Listeners must be registered before Subscribe is called.
type Subscription interface {
	Topic() string
	OnPresence(event domain.PresenceEvent, cb func())
	OnInsert(table domain.Table, filter domain.Filter, cb func(row *structpb.Struct))
	Subscribe(cb StatusFunc)
	Track(ctx context.Context, record domain.PresenceRecord) error
	PresenceState() domain.PresenceSnapshot
}

type ProfileResolver interface {
	Get(ctx context.Context, userID string) domain.Profile
}

// IdentityStore persists the active local identity.
type IdentityStore interface {
	Load() (domain.Identity, bool, error)
	Save(identity domain.Identity) error
}

// RenderedSet is owned by the caller and only consulted for de-duplication.
type RenderedSet interface {
	Has(id domain.MessageID) bool
}
