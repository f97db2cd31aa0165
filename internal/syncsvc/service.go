// Package syncsvc keeps viewers of document windows up to date.
//
// A viewer subscribes to a viewport and receives a full snapshot. When the
// document changes, every cached viewport overlapping the change is
// re-rendered, diffed against the snapshot its subscribers already hold,
// and the patch is published on the viewport's topic.
package syncsvc

import (
	"context"

	"github.com/im7mortal/kmutex"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"collabtext/diam/internal/viewport"
)

var logger = loggo.GetLogger("diam.syncsvc")

// Renderer produces the representation of a viewport. It is called inside
// a read scope; the scope's session is available from the context.
type Renderer interface {
	Render(ctx context.Context, key viewport.Key) ([]byte, error)
}

// Publisher delivers a payload to every listener of a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Authorizer checks that a principal may view a project. It returns an
// error satisfying errors.Is(err, errors.Unauthorized) when access is denied.
type Authorizer interface {
	Authorize(ctx context.Context, principal string, projectID int64) error
}

// ReadScoper opens nestable read scopes against the document store.
type ReadScoper interface {
	Acquire(ctx context.Context) (context.Context, func(), error)
}

// Differ computes the patch between two representations.
type Differ interface {
	Diff(old, new []byte) ([]byte, error)
}

// Config holds the collaborators of a Service.
type Config struct {
	Registry   *viewport.Registry
	Renderer   Renderer
	Publisher  Publisher
	Authorizer Authorizer
	Scopes     ReadScoper
	Differ     Differ
	Topics     viewport.TopicScheme

	// Metrics is optional.
	Metrics *Metrics
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Registry == nil:
		return errors.NotValidf("nil Registry")
	case c.Renderer == nil:
		return errors.NotValidf("nil Renderer")
	case c.Publisher == nil:
		return errors.NotValidf("nil Publisher")
	case c.Authorizer == nil:
		return errors.NotValidf("nil Authorizer")
	case c.Scopes == nil:
		return errors.NotValidf("nil Scopes")
	case c.Differ == nil:
		return errors.NotValidf("nil Differ")
	}
	return errors.Trace(c.Topics.Validate())
}

// Service synchronizes viewports with the document store.
type Service struct {
	config Config

	// locks serializes the render/diff/update/publish cycle per key.
	locks *kmutex.Kmutex
}

// NewService returns a Service using the given collaborators.
func NewService(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics()
	}
	return &Service{
		config: config,
		locks:  kmutex.New(),
	}, nil
}

// Topic returns the topic updates for key are published on.
func (s *Service) Topic(key viewport.Key) string {
	return s.config.Topics.Topic(key)
}

// Close drops every cached viewport.
func (s *Service) Close() {
	s.config.Registry.Clear()
}

func (s *Service) lock(key viewport.Key) func() {
	s.locks.Lock(key)
	return func() { s.locks.Unlock(key) }
}

func (s *Service) render(ctx context.Context, key viewport.Key) ([]byte, error) {
	ctx, release, err := s.config.Scopes.Acquire(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "rendering %s", key)
	}
	defer release()

	representation, err := s.config.Renderer.Render(ctx, key)
	if err != nil {
		return nil, errors.Annotatef(err, "rendering %s", key)
	}
	return representation, nil
}

// publish sends update on the topic of key. A failed publish is counted
// and returned; callers must not move the baseline past it.
func (s *Service) publish(ctx context.Context, key viewport.Key, update Update) error {
	payload, err := update.Marshal()
	if err != nil {
		return errors.Annotatef(err, "encoding update for %s", key)
	}
	topic := s.config.Topics.Topic(key)
	if err := s.config.Publisher.Publish(ctx, topic, payload); err != nil {
		s.config.Metrics.publishFailures.Inc()
		return errors.Annotatef(err, "publishing update for %s on %q", key, topic)
	}
	s.config.Metrics.updates.Inc()
	logger.Tracef("published update for %s on %q", key, topic)
	return nil
}
