package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"collabtext/diam/internal/bus"
	"collabtext/diam/internal/syncsvc"
	"collabtext/diam/internal/viewport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// subscription is one client subscription within a session. Updates that
// arrive before the snapshot has been queued are held in pending and
// flushed right after it.
type subscription struct {
	key     viewport.Key
	topic   string
	ready   bool
	pending []syncsvc.Update
}

type session struct {
	id        string
	principal string
	conn      *websocket.Conn
	feed      bus.Feed
	service   SyncService

	// mu guards everything below.
	mu     sync.Mutex
	send   chan []byte
	closed bool
	subs   map[string]*subscription
	topics map[string]int
}

func newSession(id, principal string, conn *websocket.Conn, feed bus.Feed, service SyncService) *session {
	return &session{
		id:        id,
		principal: principal,
		conn:      conn,
		feed:      feed,
		service:   service,
		send:      make(chan []byte, sendBuffer),
		subs:      make(map[string]*subscription),
		topics:    make(map[string]int),
	}
}

// enqueueLocked queues msg for the write pump. A client that cannot keep
// up has its send channel closed, which ends the connection.
func (s *session) enqueueLocked(msg ServerMessage) {
	if s.closed {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("session %s: encoding %s message: %v", s.id, msg.Type, err)
		return
	}
	select {
	case s.send <- b:
	default:
		logger.Warningf("session %s: send buffer full, dropping connection", s.id)
		s.closeLocked()
	}
}

func (s *session) enqueue(msg ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(msg)
}

func (s *session) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// readPump handles client messages until the connection fails. It runs
// on the handler goroutine, so client requests are processed in order.
func (s *session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if malformed(err) {
				s.enqueue(errorMessage("", errors.NotValidf("message: %v", err)))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Infof("session %s: read: %v", s.id, err)
			}
			return
		}
		s.handle(ctx, msg)
	}
}

func malformed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// writePump drains the send channel onto the connection and keeps it
// alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// feedPump forwards published updates to the subscriptions they belong to.
func (s *session) feedPump() {
	for msg := range s.feed.C() {
		update, err := syncsvc.ParseUpdate(msg.Payload)
		if err != nil {
			logger.Warningf("session %s: dropping message on %q: %v", s.id, msg.Topic, err)
			continue
		}
		s.deliver(msg.Topic, update)
	}
}

func (s *session) deliver(topic string, update syncsvc.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if sub.topic != topic || sub.key.Window() != update.Window {
			continue
		}
		if !sub.ready {
			sub.pending = append(sub.pending, update)
			continue
		}
		s.enqueueLocked(patchMessage(id, update))
	}
}

func patchMessage(subscriptionID string, update syncsvc.Update) ServerMessage {
	return ServerMessage{
		Type:           TypePatch,
		SubscriptionID: subscriptionID,
		Begin:          update.Begin,
		End:            update.End,
		Patch:          update.Patch,
	}
}

func (s *session) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case TypeSubscribe:
		s.subscribe(ctx, msg)
	case TypeUnsubscribe:
		if msg.SubscriptionID == "" {
			s.enqueue(errorMessage("", errors.NotValidf("empty subscription id")))
			return
		}
		if !s.unsubscribe(ctx, msg.SubscriptionID) {
			s.enqueue(errorMessage(msg.SubscriptionID, errors.NotFoundf("subscription %q", msg.SubscriptionID)))
		}
	default:
		s.enqueue(errorMessage(msg.SubscriptionID, errors.NotValidf("message type %q", msg.Type)))
	}
}

func (s *session) subscribe(ctx context.Context, msg ClientMessage) {
	if msg.SubscriptionID == "" {
		s.enqueue(errorMessage("", errors.NotValidf("empty subscription id")))
		return
	}
	key, err := viewport.NewKey(msg.ProjectID, msg.DocumentID, msg.DataOwner, msg.Begin, msg.End, msg.Format)
	if err != nil {
		s.enqueue(errorMessage(msg.SubscriptionID, err))
		return
	}
	// Reusing an identifier moves the subscription to the new viewport.
	s.unsubscribe(ctx, msg.SubscriptionID)

	topic := s.service.Topic(key)
	s.mu.Lock()
	s.subs[msg.SubscriptionID] = &subscription{key: key, topic: topic}
	s.mu.Unlock()
	// Join before subscribing so no update published after the snapshot
	// is rendered can be missed.
	if err := s.join(ctx, topic); err != nil {
		s.drop(msg.SubscriptionID)
		s.enqueue(errorMessage(msg.SubscriptionID, err))
		return
	}

	snap, err := s.service.Subscribe(ctx, syncsvc.SubscribeRequest{
		Principal:    s.principal,
		Key:          key,
		Subscription: viewport.SubscriptionID{SessionID: s.id, SubscriptionID: msg.SubscriptionID},
	})
	if err != nil {
		logger.Debugf("session %s: subscribe %s: %v", s.id, msg.SubscriptionID, err)
		s.drop(msg.SubscriptionID)
		s.leave(ctx, topic)
		s.enqueue(errorMessage(msg.SubscriptionID, err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[msg.SubscriptionID]
	if !ok {
		return
	}
	s.enqueueLocked(ServerMessage{
		Type:           TypeSnapshot,
		SubscriptionID: msg.SubscriptionID,
		Representation: snap.Representation,
	})
	for _, update := range sub.pending {
		s.enqueueLocked(patchMessage(msg.SubscriptionID, update))
	}
	sub.pending = nil
	sub.ready = true
}

func (s *session) unsubscribe(ctx context.Context, subscriptionID string) bool {
	sub := s.drop(subscriptionID)
	if sub == nil {
		return false
	}
	s.service.Unsubscribe(ctx, sub.key, viewport.SubscriptionID{SessionID: s.id, SubscriptionID: subscriptionID})
	s.leave(ctx, sub.topic)
	return true
}

func (s *session) drop(subscriptionID string) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subscriptionID]
	if !ok {
		return nil
	}
	delete(s.subs, subscriptionID)
	return sub
}

// join and leave reference count topics across the session's
// subscriptions. They are only called from the read pump.
func (s *session) join(ctx context.Context, topic string) error {
	s.mu.Lock()
	s.topics[topic]++
	first := s.topics[topic] == 1
	s.mu.Unlock()
	if !first {
		return nil
	}
	if err := s.feed.Join(ctx, topic); err != nil {
		s.mu.Lock()
		delete(s.topics, topic)
		s.mu.Unlock()
		return errors.Annotatef(err, "joining %q", topic)
	}
	return nil
}

func (s *session) leave(ctx context.Context, topic string) {
	s.mu.Lock()
	s.topics[topic]--
	last := s.topics[topic] <= 0
	if last {
		delete(s.topics, topic)
	}
	s.mu.Unlock()
	if !last {
		return
	}
	if err := s.feed.Leave(ctx, topic); err != nil {
		logger.Warningf("session %s: leaving %q: %v", s.id, topic, err)
	}
}

// close drops the session's subscriptions and stops its pumps.
func (s *session) close(ctx context.Context) {
	if n := s.service.Disconnect(ctx, s.id); n > 0 {
		logger.Debugf("session %s: released %d subscriptions", s.id, n)
	}
	if err := s.feed.Close(); err != nil {
		logger.Warningf("session %s: closing feed: %v", s.id, err)
	}
	s.mu.Lock()
	s.subs = make(map[string]*subscription)
	s.closeLocked()
	s.mu.Unlock()
}
