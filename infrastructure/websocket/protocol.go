// Package websocket exposes a realtime Broker to remote clients over a JSON
// envelope protocol, and provides the matching contract.Backend client.
package websocket

import (
	"encoding/json"
	goerrors "errors"
	"fmt"
	"hive-chat/domain"
	"hive-chat/errors"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type MessageType string

// Client to server.
const (
	TypeQuery  MessageType = "query"
	TypeInsert MessageType = "insert"
	TypeCall   MessageType = "call"
	TypeJoin   MessageType = "join"
	TypeTrack  MessageType = "track"
	TypeLeave  MessageType = "leave"
)

// Server to client. Insert notifications reuse TypeInsert.
const (
	TypeReply    MessageType = "reply"
	TypeStatus   MessageType = "status"
	TypePresence MessageType = "presence"
)

// Envelope is the frame exchanged in both directions. Ref correlates a
// request with its reply, Sub names the subscription an event belongs to.
type Envelope struct {
	Type  MessageType     `json:"type"`
	Ref   string          `json:"ref,omitempty"`
	Sub   string          `json:"sub,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *WireError      `json:"error,omitempty"`
}

// WireError carries a stable code so that sentinel errors survive the trip.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorCodes = map[string]error{
	"duplicate_key":    errors.ErrDuplicateKey,
	"unknown_table":    errors.ErrUnknownTable,
	"unknown_column":   errors.ErrUnknownColumn,
	"unknown_function": errors.ErrUnknownFunction,
	"not_subscribed":   errors.ErrNotSubscribed,
	"closed":           errors.ErrSubscriptionClosed,
}

func toWireError(err error) *WireError {
	for code, sentinel := range errorCodes {
		if goerrors.Is(err, sentinel) {
			return &WireError{Code: code, Message: err.Error()}
		}
	}
	return &WireError{Code: "remote", Message: err.Error()}
}

func (e *WireError) toError() error {
	if sentinel, ok := errorCodes[e.Code]; ok {
		return fmt.Errorf("%w: %s", sentinel, e.Message)
	}
	return fmt.Errorf("%w: %s", errors.ErrRemote, e.Message)
}

type wireFilter struct {
	Column string          `json:"column"`
	Op     domain.Operator `json:"op"`
	Value  json.RawMessage `json:"value"`
}

type wireOrder struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

type queryRequest struct {
	Table   domain.Table `json:"table"`
	Filters []wireFilter `json:"filters,omitempty"`
	Order   []wireOrder  `json:"order,omitempty"`
	Limit   int          `json:"limit,omitempty"`
}

type insertRequest struct {
	Table domain.Table    `json:"table"`
	Row   json.RawMessage `json:"row"`
}

type callRequest struct {
	Fn   string          `json:"fn"`
	Args json.RawMessage `json:"args"`
}

type rowsReply struct {
	Rows []json.RawMessage `json:"rows"`
}

type insertSpec struct {
	Table  domain.Table `json:"table"`
	Filter wireFilter   `json:"filter"`
}

type joinRequest struct {
	Topic   string       `json:"topic"`
	Inserts []insertSpec `json:"inserts,omitempty"`
}

type trackRequest struct {
	Record domain.PresenceRecord `json:"record"`
}

type statusEvent struct {
	Status domain.SubscriptionStatus `json:"status"`
	Error  string                    `json:"error,omitempty"`
}

type presenceEvent struct {
	Event domain.PresenceEvent    `json:"event"`
	State domain.PresenceSnapshot `json:"state"`
}

type insertEvent struct {
	Table domain.Table    `json:"table"`
	Row   json.RawMessage `json:"row"`
}

func encodeFilter(f domain.Filter) (wireFilter, error) {
	value, err := protojson.Marshal(f.Value)
	if err != nil {
		return wireFilter{}, err
	}
	return wireFilter{Column: f.Column, Op: f.Op, Value: value}, nil
}

func decodeFilter(w wireFilter) (domain.Filter, error) {
	value := &structpb.Value{}
	if err := protojson.Unmarshal(w.Value, value); err != nil {
		return domain.Filter{}, fmt.Errorf("filter %s: %w", w.Column, err)
	}
	return domain.Filter{Column: w.Column, Op: w.Op, Value: value}, nil
}

func encodeQuery(q domain.Query) (queryRequest, error) {
	req := queryRequest{Table: q.Table, Limit: q.Limit}
	for _, f := range q.Filters {
		wf, err := encodeFilter(f)
		if err != nil {
			return queryRequest{}, err
		}
		req.Filters = append(req.Filters, wf)
	}
	for _, o := range q.Order {
		req.Order = append(req.Order, wireOrder{Column: o.Column, Descending: o.Descending})
	}
	return req, nil
}

func decodeQuery(req queryRequest) (domain.Query, error) {
	q := domain.Query{Table: req.Table, Limit: req.Limit}
	for _, wf := range req.Filters {
		f, err := decodeFilter(wf)
		if err != nil {
			return domain.Query{}, err
		}
		q.Filters = append(q.Filters, f)
	}
	for _, o := range req.Order {
		q.Order = append(q.Order, domain.Order{Column: o.Column, Descending: o.Descending})
	}
	return q, nil
}

func encodeRow(row *structpb.Struct) (json.RawMessage, error) {
	return protojson.Marshal(row)
}

func decodeRow(raw json.RawMessage) (*structpb.Struct, error) {
	row := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, row); err != nil {
		return nil, err
	}
	return row, nil
}

func encodeRows(rows []*structpb.Struct) (rowsReply, error) {
	reply := rowsReply{Rows: make([]json.RawMessage, 0, len(rows))}
	for _, row := range rows {
		raw, err := encodeRow(row)
		if err != nil {
			return rowsReply{}, err
		}
		reply.Rows = append(reply.Rows, raw)
	}
	return reply, nil
}

func decodeRows(reply rowsReply) ([]*structpb.Struct, error) {
	rows := make([]*structpb.Struct, 0, len(reply.Rows))
	for _, raw := range reply.Rows {
		row, err := decodeRow(raw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func newEnvelope(typ MessageType, ref, sub string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, Ref: ref, Sub: sub}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	env.Data = data
	return env, nil
}
