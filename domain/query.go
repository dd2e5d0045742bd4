package domain

import (
	"cmp"
	"slices"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

type Table string

const (
	TableMessages Table = "messages"
	TableChannels Table = "channels"
	TableProfiles Table = "profiles"
)

// FuncUpdateUserProfile is the privileged backend function used by guests
// to edit their own profile row.
const FuncUpdateUserProfile = "update_user_profile"

type Operator string

const (
	OpEq Operator = "eq"
	OpLt Operator = "lt"
	OpGt Operator = "gt"
)

// Filter restricts a query or an insert listener to matching rows.
type Filter struct {
	Column string
	Op     Operator
	Value  *structpb.Value
}

type Order struct {
	Column     string
	Descending bool
}

// Query is the storage-agnostic form of select(table).filter().order().limit().
// Limit <= 0 means unbounded.
type Query struct {
	Table   Table
	Filters []Filter
	Order   []Order
	Limit   int
}

func Eq(column string, value *structpb.Value) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

func Lt(column string, value *structpb.Value) Filter {
	return Filter{Column: column, Op: OpLt, Value: value}
}

func Gt(column string, value *structpb.Value) Filter {
	return Filter{Column: column, Op: OpGt, Value: value}
}

// Match reports whether the row satisfies the filter.
// A missing column never matches.
func (f Filter) Match(row *structpb.Struct) bool {
	value, ok := row.GetFields()[f.Column]
	if !ok {
		return false
	}
	c, comparable := CompareValues(value, f.Value)
	if !comparable {
		return false
	}
	switch f.Op {
	case OpEq:
		return c == 0
	case OpLt:
		return c < 0
	case OpGt:
		return c > 0
	default:
		return false
	}
}

// MatchAll reports whether the row satisfies every filter.
func MatchAll(row *structpb.Struct, filters []Filter) bool {
	for _, f := range filters {
		if !f.Match(row) {
			return false
		}
	}
	return true
}

// CompareValues orders two scalar values of the same kind.
// Numbers compare numerically, strings lexicographically (timestamps use a
// fixed-width layout so lexicographic order is chronological).
func CompareValues(a, b *structpb.Value) (int, bool) {
	switch av := a.GetKind().(type) {
	case *structpb.Value_NumberValue:
		bv, ok := b.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return 0, false
		}
		return cmp.Compare(av.NumberValue, bv.NumberValue), true
	case *structpb.Value_StringValue:
		bv, ok := b.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.StringValue, bv.StringValue), true
	case *structpb.Value_BoolValue:
		bv, ok := b.GetKind().(*structpb.Value_BoolValue)
		if !ok {
			return 0, false
		}
		switch {
		case av.BoolValue == bv.BoolValue:
			return 0, true
		case !av.BoolValue:
			return -1, true
		default:
			return 1, true
		}
	default:
		return 0, false
	}
}

// Apply runs filters, ordering and limit over an in-memory row set.
// Used by stores that cannot push the query down.
func (q Query) Apply(rows []*structpb.Struct) []*structpb.Struct {
	out := make([]*structpb.Struct, 0, len(rows))
	for _, row := range rows {
		if MatchAll(row, q.Filters) {
			out = append(out, row)
		}
	}
	if len(q.Order) > 0 {
		slices.SortStableFunc(out, func(a, b *structpb.Struct) int {
			for _, o := range q.Order {
				c, _ := CompareValues(a.GetFields()[o.Column], b.GetFields()[o.Column])
				if o.Descending {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
