// Package transport serves viewport subscriptions to websocket clients.
//
// Each connection is a session. A client subscribes to document windows
// and receives a snapshot per subscription, then patches as the document
// changes. Patches arrive through a bus feed joined on the subscription's
// topic.
package transport

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"collabtext/diam/internal/bus"
	"collabtext/diam/internal/syncsvc"
	"collabtext/diam/internal/viewport"
)

var logger = loggo.GetLogger("diam.transport")

// DefaultPrincipalHeader carries the authenticated principal, set by the
// fronting proxy.
const DefaultPrincipalHeader = "X-Diam-Principal"

// SyncService is the part of the sync service sessions use.
type SyncService interface {
	Subscribe(ctx context.Context, req syncsvc.SubscribeRequest) (syncsvc.Snapshot, error)
	Unsubscribe(ctx context.Context, key viewport.Key, id viewport.SubscriptionID)
	Disconnect(ctx context.Context, sessionID string) int
	Topic(key viewport.Key) string
}

// FeedOpener opens a per-session subscription to published updates.
type FeedOpener interface {
	Open(ctx context.Context) (bus.Feed, error)
}

// Config holds the dependencies of a Server.
type Config struct {
	Service         SyncService
	Feeds           FeedOpener
	Hub             *Hub
	PrincipalHeader string

	// CheckOrigin is passed to the websocket upgrader. The default
	// accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Service == nil:
		return errors.NotValidf("nil Service")
	case c.Feeds == nil:
		return errors.NotValidf("nil Feeds")
	case c.Hub == nil:
		return errors.NotValidf("nil Hub")
	case c.PrincipalHeader == "":
		return errors.NotValidf("empty PrincipalHeader")
	}
	return nil
}

// Server upgrades requests to websocket sessions.
type Server struct {
	config   Config
	upgrader websocket.Upgrader
}

// NewServer returns a Server for config.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}, nil
}

// ServeHTTP runs one session until its connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := r.Header.Get(s.config.PrincipalHeader)
	if principal == "" {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}
	// The session outlives the upgrade request's context.
	ctx := context.WithoutCancel(r.Context())

	feed, err := s.config.Feeds.Open(ctx)
	if err != nil {
		logger.Errorf("opening feed: %v", err)
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warningf("upgrading connection: %v", err)
		_ = feed.Close()
		return
	}

	sess := newSession(uuid.NewString(), principal, conn, feed, s.config.Service)
	s.config.Hub.register(sess)
	logger.Infof("session %s opened for %q from %s", sess.id, principal, r.RemoteAddr)

	go sess.writePump()
	go sess.feedPump()
	sess.readPump(ctx)

	s.config.Hub.unregister(sess)
	sess.close(ctx)
	logger.Infof("session %s closed", sess.id)
}
