package syncsvc

import (
	"context"

	"github.com/juju/errors"

	"collabtext/diam/internal/diff"
	"collabtext/diam/internal/viewport"
)

// Subscribe registers a subscription on a viewport and returns a full
// snapshot of it. If rendering fails the subscription is rolled back, so a
// failed subscribe leaves no trace in the registry.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (Snapshot, error) {
	key := req.Key
	if err := key.Validate(); err != nil {
		s.config.Metrics.subscribes.WithLabelValues(resultInvalid).Inc()
		return Snapshot{}, errors.Trace(err)
	}
	if err := s.config.Authorizer.Authorize(ctx, req.Principal, key.ProjectID); err != nil {
		if errors.Is(err, errors.Unauthorized) {
			s.config.Metrics.subscribes.WithLabelValues(resultUnauthorized).Inc()
		} else {
			s.config.Metrics.subscribes.WithLabelValues(resultError).Inc()
		}
		return Snapshot{}, errors.Annotatef(err, "authorizing %q for project %d", req.Principal, key.ProjectID)
	}

	unlock := s.lock(key)
	defer unlock()

	entry := s.config.Registry.GetOrCreate(key)
	s.config.Registry.AddSubscription(key, req.Subscription)

	representation, err := s.render(ctx, key)
	if err != nil {
		s.config.Registry.RemoveSubscription(key, req.Subscription)
		s.config.Metrics.renderFailures.WithLabelValues(pathSubscribe).Inc()
		s.config.Metrics.subscribes.WithLabelValues(resultError).Inc()
		return Snapshot{}, errors.Trace(err)
	}

	// Existing subscribers hold the old baseline. Bring them up to date
	// before the baseline moves; if that fails, the new subscriber gets
	// the old baseline too and the next mutation carries the difference.
	if entry.Representation != nil && len(entry.Subscribers) > 0 {
		if err := s.catchUp(ctx, key, entry.Representation, representation); err != nil {
			logger.Warningf("catching up existing subscribers: %v", err)
			representation = entry.Representation
		}
	}
	s.config.Registry.UpdateRepresentation(key, representation)

	s.config.Metrics.subscribes.WithLabelValues(resultOK).Inc()
	logger.Debugf("%s subscribed to %s as %s", req.Principal, key, req.Subscription)
	return Snapshot{
		Key:            key,
		Topic:          s.config.Topics.Topic(key),
		Representation: representation,
	}, nil
}

func (s *Service) catchUp(ctx context.Context, key viewport.Key, old, fresh []byte) error {
	patch, err := s.config.Differ.Diff(old, fresh)
	if err != nil {
		return errors.Annotatef(err, "diffing %s for existing subscribers", key)
	}
	if diff.Empty(patch) {
		return nil
	}
	if err := s.publish(ctx, key, Update{
		Window: key.Window(),
		Begin:  key.Begin,
		End:    key.End,
		Patch:  patch,
	}); err != nil {
		return errors.Trace(err)
	}
	s.config.Metrics.catchUps.Inc()
	return nil
}

// Unsubscribe removes one subscription. The viewport is evicted when its
// last subscription goes.
func (s *Service) Unsubscribe(ctx context.Context, key viewport.Key, id viewport.SubscriptionID) {
	if s.config.Registry.RemoveSubscription(key, id) {
		logger.Debugf("last subscriber %s left %s", id, key)
	}
}

// Disconnect removes every subscription held by a transport session.
func (s *Service) Disconnect(ctx context.Context, sessionID string) int {
	subs := s.config.Registry.KeysForSession(sessionID)
	for id, key := range subs {
		s.Unsubscribe(ctx, key, id)
	}
	if len(subs) > 0 {
		logger.Debugf("session %s disconnected, dropped %d subscriptions", sessionID, len(subs))
	}
	return len(subs)
}
