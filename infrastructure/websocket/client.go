package websocket

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"hive-chat/contract"
	"hive-chat/domain"
	"hive-chat/errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var _ contract.Backend = (*Client)(nil)

// Client is a contract.Backend talking to a remote Server.
//
// The socket is dialed on first use and redialed lazily after a drop. When it
// drops, every subscription attached to it reports CHANNEL_ERROR and is
// detached: callers open a new subscription to recover.
//
// Listeners run on the read goroutine and must not wait on the client.
type Client struct {
	log     *slog.Logger
	url     string
	dialer  *websocket.Dialer
	timeout time.Duration

	mu     sync.Mutex
	conn   *clientConn
	subs   map[string]*Subscription
	closed bool
}

func NewClient(log *slog.Logger, url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = requestTimeout
	}
	return &Client{
		log:     log.With("url", url),
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		timeout: timeout,
		subs:    make(map[string]*Subscription),
	}
}

func (c *Client) Query(ctx context.Context, q domain.Query) ([]*structpb.Struct, error) {
	req, err := encodeQuery(q)
	if err != nil {
		return nil, err
	}
	return c.rows(ctx, TypeQuery, req)
}

func (c *Client) Insert(ctx context.Context, table domain.Table, row *structpb.Struct) (*structpb.Struct, error) {
	raw, err := encodeRow(row)
	if err != nil {
		return nil, err
	}
	rows, err := c.rows(ctx, TypeInsert, insertRequest{Table: table, Row: raw})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: insert into %s returned no row", errors.ErrRemote, table)
	}
	return rows[0], nil
}

func (c *Client) Call(ctx context.Context, fn string, args *structpb.Struct) ([]*structpb.Struct, error) {
	raw, err := encodeRow(args)
	if err != nil {
		return nil, err
	}
	return c.rows(ctx, TypeCall, callRequest{Fn: fn, Args: raw})
}

// Channel returns a detached subscription. Nothing is sent before Subscribe.
func (c *Client) Channel(topic string) contract.Subscription {
	id := uuid.NewString()
	return &Subscription{
		client:   c,
		log:      c.log.With("topic", topic, "sub", id),
		id:       id,
		topic:    topic,
		presence: make(map[domain.PresenceEvent][]func()),
		state:    make(domain.PresenceSnapshot),
	}
}

// RemoveChannel leaves the topic on the server and reports CLOSED locally.
func (c *Client) RemoveChannel(sub contract.Subscription) error {
	s, ok := sub.(*Subscription)
	if !ok || s.client != c {
		return fmt.Errorf("%w: foreign subscription on %s", errors.ErrSubscriptionClosed, sub.Topic())
	}
	conn, first := s.detach(true)
	if !first {
		return nil
	}
	c.forget(s)
	defer s.callStatus(domain.StatusClosed, nil)
	if conn == nil || conn.isClosed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	_, err := c.roundTrip(ctx, conn, TypeLeave, s.id, nil)
	return err
}

// Close drops the connection for good. Subscriptions report CLOSED.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.close()
	}
	return nil
}

func (c *Client) rows(ctx context.Context, typ MessageType, payload any) ([]*structpb.Struct, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	env, err := c.roundTrip(ctx, conn, typ, "", payload)
	if err != nil {
		return nil, err
	}
	var reply rowsReply
	if err = json.Unmarshal(env.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", typ, err)
	}
	return decodeRows(reply)
}

// connect returns the live connection, dialing a new one when needed.
func (c *Client) connect(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: client closed", errors.ErrNotConnected)
	}
	if c.conn != nil && !c.conn.isClosed() {
		return c.conn, nil
	}
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrNotConnected, err)
	}
	conn := &clientConn{
		ws:      ws,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan Envelope),
	}
	c.conn = conn
	go conn.writeLoop(c.log)
	go c.readLoop(conn)
	c.log.Debug("Realtime connection established")
	return conn, nil
}

func (c *Client) roundTrip(ctx context.Context, conn *clientConn, typ MessageType, sub string, payload any) (Envelope, error) {
	ref := uuid.NewString()
	env, err := newEnvelope(typ, ref, sub, payload)
	if err != nil {
		return Envelope{}, err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, err
	}
	replies, err := conn.expect(ref)
	if err != nil {
		return Envelope{}, err
	}
	defer conn.forget(ref)

	select {
	case conn.send <- frame:
	case <-conn.done:
		return Envelope{}, errors.ErrNotConnected
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}

	select {
	case reply := <-replies:
		if reply.Error != nil {
			return Envelope{}, reply.Error.toError()
		}
		return reply, nil
	case <-conn.done:
		return Envelope{}, errors.ErrNotConnected
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *Client) readLoop(conn *clientConn) {
	defer c.dropped(conn)
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Realtime connection lost", "error", err)
			}
			return
		}
		var env Envelope
		if err = json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("Dropping malformed frame", "error", err)
			continue
		}
		if env.Type == TypeReply {
			conn.resolve(env)
			continue
		}
		if sub := c.subscription(env.Sub); sub != nil {
			sub.handle(env)
		}
	}
}

// dropped detaches every subscription of a dead connection.
func (c *Client) dropped(conn *clientConn) {
	conn.close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	var lost []*Subscription
	for id, sub := range c.subs {
		if sub.attachedTo(conn) {
			lost = append(lost, sub)
			delete(c.subs, id)
		}
	}
	c.mu.Unlock()

	status := domain.StatusChannelError
	if closed {
		status = domain.StatusClosed
	}
	for _, sub := range lost {
		sub.detach(closed)
		sub.callStatus(status, errors.ErrNotConnected)
	}
	if len(lost) > 0 {
		c.log.Info("Subscriptions detached", "count", len(lost), "status", status)
	}
}

func (c *Client) attach(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[s.id] = s
}

func (c *Client) forget(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[s.id] == s {
		delete(c.subs, s.id)
	}
}

func (c *Client) subscription(id string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

type clientConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan Envelope
}

func (c *clientConn) writeLoop(log *slog.Logger) {
	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.ws.Close()
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn("Realtime write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *clientConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *clientConn) expect(ref string) (chan Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return nil, errors.ErrNotConnected
	}
	ch := make(chan Envelope, 1)
	c.pending[ref] = ch
	return ch, nil
}

func (c *clientConn) forget(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, ref)
}

func (c *clientConn) resolve(env Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.Ref]
	c.mu.Unlock()
	if ok {
		ch <- env
	}
}

type insertListener struct {
	table  domain.Table
	filter domain.Filter
	cb     func(row *structpb.Struct)
}

// Subscription is the client side of one server subscription. Its presence
// state is replicated from the snapshots the server sends with each event.
type Subscription struct {
	client *Client
	log    *slog.Logger
	id     string
	topic  string

	mu         sync.RWMutex
	presence   map[domain.PresenceEvent][]func()
	inserts    []insertListener
	status     contract.StatusFunc
	state      domain.PresenceSnapshot
	conn       *clientConn
	subscribed bool
	removed    bool
}

func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) OnPresence(event domain.PresenceEvent, cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[event] = append(s.presence[event], cb)
}

func (s *Subscription) OnInsert(table domain.Table, filter domain.Filter, cb func(row *structpb.Struct)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, insertListener{table: table, filter: filter, cb: cb})
}

// Subscribe joins the topic in the background. A failed join reports
// TIMED_OUT or CHANNEL_ERROR.
func (s *Subscription) Subscribe(cb contract.StatusFunc) {
	s.mu.Lock()
	if s.subscribed || s.removed {
		s.mu.Unlock()
		return
	}
	s.subscribed = true
	s.status = cb
	req := joinRequest{Topic: s.topic}
	for _, l := range s.inserts {
		filter, err := encodeFilter(l.filter)
		if err != nil {
			s.mu.Unlock()
			s.log.Error("Cannot encode insert filter", "table", l.table, "error", err)
			s.callStatus(domain.StatusChannelError, err)
			return
		}
		req.Inserts = append(req.Inserts, insertSpec{Table: l.table, Filter: filter})
	}
	s.mu.Unlock()

	go s.join(req)
}

func (s *Subscription) join(req joinRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.timeout)
	defer cancel()

	conn, err := s.client.connect(ctx)
	if err == nil {
		err = s.attach(conn)
	}
	if err == nil {
		_, err = s.client.roundTrip(ctx, conn, TypeJoin, s.id, req)
	}
	if err == nil {
		return
	}
	s.log.Warn("Join failed", "error", err)
	s.client.forget(s)
	s.mu.Lock()
	ours := s.conn == conn && !s.removed
	s.conn = nil
	s.mu.Unlock()
	if !ours {
		// Already reported by the drop or the removal.
		return
	}
	status := domain.StatusChannelError
	if goerrors.Is(err, context.DeadlineExceeded) {
		status = domain.StatusTimedOut
	}
	s.callStatus(status, err)
}

func (s *Subscription) Track(ctx context.Context, record domain.PresenceRecord) error {
	s.mu.RLock()
	conn, removed := s.conn, s.removed
	s.mu.RUnlock()
	if conn == nil || removed {
		return fmt.Errorf("%w: %s", errors.ErrNotSubscribed, s.topic)
	}
	_, err := s.client.roundTrip(ctx, conn, TypeTrack, s.id, trackRequest{Record: record})
	return err
}

func (s *Subscription) PresenceState() domain.PresenceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

func (s *Subscription) attach(conn *clientConn) error {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return errors.ErrSubscriptionClosed
	}
	s.conn = conn
	s.mu.Unlock()
	s.client.attach(s)
	return nil
}

func (s *Subscription) attachedTo(conn *clientConn) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn == conn
}

// detach unbinds the subscription from its connection. With remove set it
// is also marked removed; first reports whether this call did it.
func (s *Subscription) detach(remove bool) (conn *clientConn, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, s.conn = s.conn, nil
	if s.removed {
		return conn, false
	}
	if remove {
		s.removed = true
	}
	return conn, true
}

func (s *Subscription) handle(env Envelope) {
	switch env.Type {
	case TypeStatus:
		var ev statusEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.log.Warn("Malformed status event", "error", err)
			return
		}
		var err error
		if ev.Error != "" {
			err = fmt.Errorf("%w: %s", errors.ErrRemote, ev.Error)
		}
		s.callStatus(ev.Status, err)
	case TypePresence:
		var ev presenceEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.log.Warn("Malformed presence event", "error", err)
			return
		}
		s.mu.Lock()
		if ev.State == nil {
			ev.State = make(domain.PresenceSnapshot)
		}
		s.state = ev.State
		listeners := append([]func(){}, s.presence[ev.Event]...)
		s.mu.Unlock()
		for _, cb := range listeners {
			s.safely("presence", cb)
		}
	case TypeInsert:
		var ev insertEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.log.Warn("Malformed insert event", "error", err)
			return
		}
		row, err := decodeRow(ev.Row)
		if err != nil {
			s.log.Warn("Undecodable inserted row", "error", err)
			return
		}
		s.mu.RLock()
		var matching []func(*structpb.Struct)
		for _, l := range s.inserts {
			if l.table == ev.Table && l.filter.Match(row) {
				matching = append(matching, l.cb)
			}
		}
		s.mu.RUnlock()
		for _, cb := range matching {
			clone := proto.Clone(row).(*structpb.Struct)
			s.safely("insert", func() { cb(clone) })
		}
	}
}

func (s *Subscription) callStatus(status domain.SubscriptionStatus, err error) {
	s.mu.RLock()
	cb := s.status
	s.mu.RUnlock()
	if cb != nil {
		s.safely("status", func() { cb(status, err) })
	}
}

func (s *Subscription) safely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Recovered from listener panic", "listener", kind, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
