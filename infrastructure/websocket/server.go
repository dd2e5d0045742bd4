package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"hive-chat/domain"
	"hive-chat/errors"
	"hive-chat/infrastructure/realtime"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
	requestTimeout = 10 * time.Second
)

// Server upgrades HTTP requests and serves one Broker to every connection.
type Server struct {
	log      *slog.Logger
	broker   *realtime.Broker
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

func NewServer(log *slog.Logger, broker *realtime.Broker) *Server {
	return &Server{
		log:    log,
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*serverConn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &serverConn{
		log:    s.log.With("conn", uuid.NewString(), "remote", r.RemoteAddr),
		ws:     ws,
		broker: s.broker,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		subs:   make(map[string]*realtime.Subscription),
	}
	s.track(c, true)
	c.log.Info("Realtime client connected")

	go c.writePump()
	c.readPump()

	s.track(c, false)
	c.log.Info("Realtime client disconnected")
}

// Connections counts the live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every connection. Clients see their subscriptions fail.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (s *Server) track(c *serverConn, live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if live {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

type serverConn struct {
	log    *slog.Logger
	ws     *websocket.Conn
	broker *realtime.Broker
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]*realtime.Subscription
}

func (c *serverConn) readPump() {
	defer c.shutdown()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Unexpected websocket close", "error", err)
			}
			return
		}
		var env Envelope
		if err = json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("Dropping malformed frame", "error", err)
			continue
		}
		c.handle(env)
	}
}

func (c *serverConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn("Websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// shutdown removes every subscription of the connection from the broker.
func (c *serverConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*realtime.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			if err := c.broker.RemoveChannel(sub); err != nil {
				c.log.Warn("Failed to remove subscription", "topic", sub.Topic(), "error", err)
			}
		}
	})
}

func (c *serverConn) push(env Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		c.log.Error("Failed to encode frame", "type", env.Type, "error", err)
		return
	}
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

func (c *serverConn) reply(ref string, payload any, err error) {
	if err != nil {
		c.push(Envelope{Type: TypeReply, Ref: ref, Error: toWireError(err)})
		return
	}
	env, encodeErr := newEnvelope(TypeReply, ref, "", payload)
	if encodeErr != nil {
		c.push(Envelope{Type: TypeReply, Ref: ref, Error: toWireError(encodeErr)})
		return
	}
	c.push(env)
}

func (c *serverConn) event(typ MessageType, sub string, payload any) {
	env, err := newEnvelope(typ, "", sub, payload)
	if err != nil {
		c.log.Error("Failed to encode event", "type", typ, "error", err)
		return
	}
	c.push(env)
}

func (c *serverConn) handle(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var (
		payload any
		err     error
	)
	switch env.Type {
	case TypeQuery:
		payload, err = c.query(ctx, env.Data)
	case TypeInsert:
		payload, err = c.insert(ctx, env.Data)
	case TypeCall:
		payload, err = c.call(ctx, env.Data)
	case TypeJoin:
		err = c.join(env.Sub, env.Data)
	case TypeTrack:
		err = c.trackPresence(ctx, env.Sub, env.Data)
	case TypeLeave:
		err = c.leave(env.Sub)
	default:
		err = fmt.Errorf("unsupported message type %q", env.Type)
	}
	if err != nil {
		c.log.Debug("Request failed", "type", env.Type, "ref", env.Ref, "error", err)
	}
	c.reply(env.Ref, payload, err)
}

func (c *serverConn) query(ctx context.Context, data json.RawMessage) (any, error) {
	var req queryRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	q, err := decodeQuery(req)
	if err != nil {
		return nil, err
	}
	rows, err := c.broker.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return encodeRows(rows)
}

func (c *serverConn) insert(ctx context.Context, data json.RawMessage) (any, error) {
	var req insertRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	row, err := decodeRow(req.Row)
	if err != nil {
		return nil, err
	}
	inserted, err := c.broker.Insert(ctx, req.Table, row)
	if err != nil {
		return nil, err
	}
	return encodeRows([]*structpb.Struct{inserted})
}

func (c *serverConn) call(ctx context.Context, data json.RawMessage) (any, error) {
	var req callRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	args, err := decodeRow(req.Args)
	if err != nil {
		return nil, err
	}
	rows, err := c.broker.Call(ctx, req.Fn, args)
	if err != nil {
		return nil, err
	}
	return encodeRows(rows)
}

// join opens a broker subscription relaying presence, inserts and status to
// the client. Status frames follow the join reply.
func (c *serverConn) join(id string, data json.RawMessage) error {
	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("join %s: missing subscription id", req.Topic)
	}
	sub := c.broker.NewSubscription(req.Topic, id)
	for _, kind := range []domain.PresenceEvent{domain.PresenceSync, domain.PresenceJoin, domain.PresenceLeave} {
		sub.OnPresence(kind, func() {
			c.event(TypePresence, id, presenceEvent{Event: kind, State: sub.PresenceState()})
		})
	}
	for _, spec := range req.Inserts {
		filter, err := decodeFilter(spec.Filter)
		if err != nil {
			return err
		}
		table := spec.Table
		sub.OnInsert(table, filter, func(row *structpb.Struct) {
			raw, err := encodeRow(row)
			if err != nil {
				c.log.Error("Failed to encode inserted row", "table", table, "error", err)
				return
			}
			c.event(TypeInsert, id, insertEvent{Table: table, Row: raw})
		})
	}

	c.mu.Lock()
	if _, exists := c.subs[id]; exists {
		c.mu.Unlock()
		return fmt.Errorf("join %s: subscription %s already open", req.Topic, id)
	}
	c.subs[id] = sub
	c.mu.Unlock()

	sub.Subscribe(func(status domain.SubscriptionStatus, err error) {
		ev := statusEvent{Status: status}
		if err != nil {
			ev.Error = err.Error()
		}
		c.event(TypeStatus, id, ev)
	})
	return nil
}

func (c *serverConn) trackPresence(ctx context.Context, id string, data json.RawMessage) error {
	var req trackRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	sub, err := c.subscription(id)
	if err != nil {
		return err
	}
	return sub.Track(ctx, req.Record)
}

func (c *serverConn) leave(id string) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.broker.RemoveChannel(sub)
}

func (c *serverConn) subscription(id string) (*realtime.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrNotSubscribed, id)
	}
	return sub, nil
}
