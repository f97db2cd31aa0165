package syncsvc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"collabtext/diam/internal/viewport"
)

// DocumentChanged is called when the persisted annotation state of a
// document changed. An empty dataOwner refreshes the viewports of every
// owner. It returns the number of viewports an update was published for.
func (s *Service) DocumentChanged(ctx context.Context, documentID int64, dataOwner string) int {
	return s.Notify(ctx, Mutation{
		DocumentID: documentID,
		DataOwner:  dataOwner,
		Range:      viewport.FullRange,
	})
}

// RangeChanged is called when the annotation state of one owner changed
// within [begin, end) of a document.
func (s *Service) RangeChanged(ctx context.Context, documentID int64, dataOwner string, begin, end int) int {
	return s.Notify(ctx, Mutation{
		DocumentID: documentID,
		DataOwner:  dataOwner,
		Range:      viewport.Range{Begin: begin, End: end},
	})
}

// Notify refreshes every cached viewport affected by m. Viewports are
// refreshed concurrently, so a slow or failing render only holds up its
// own key. Notify returns once every refresh has finished.
func (s *Service) Notify(ctx context.Context, m Mutation) int {
	entries := s.config.Registry.Find(m.Matches)
	var (
		wg        sync.WaitGroup
		published atomic.Int64
	)
	for _, e := range entries {
		wg.Add(1)
		go func(key viewport.Key) {
			defer wg.Done()
			ok, err := s.refresh(ctx, key, m)
			if err != nil {
				s.config.Metrics.renderFailures.WithLabelValues(pathNotify).Inc()
				logger.Errorf("refreshing %s: %v", key, err)
				return
			}
			if ok {
				published.Add(1)
			}
		}(e.Key)
	}
	wg.Wait()
	return int(published.Load())
}

// refresh runs one render/diff/update/publish cycle for key. It reports
// whether an update was published.
func (s *Service) refresh(ctx context.Context, key viewport.Key, m Mutation) (bool, error) {
	unlock := s.lock(key)
	defer unlock()

	// The baseline has to be read under the key lock: a cycle that ran
	// while we waited has moved it.
	entry, ok := s.config.Registry.Get(key)
	if !ok {
		return false, nil
	}

	fresh, err := s.render(ctx, key)
	if err != nil {
		return false, errors.Trace(err)
	}

	if entry.Representation == nil {
		// Nobody has been sent a snapshot to patch.
		s.config.Registry.UpdateRepresentation(key, fresh)
		return false, nil
	}

	patch, err := s.config.Differ.Diff(entry.Representation, fresh)
	if err != nil {
		return false, errors.Annotatef(err, "diffing %s", key)
	}
	if !s.config.Registry.UpdateRepresentation(key, fresh) {
		// Evicted while rendering.
		return false, nil
	}

	affected := m.affected(key)
	if err := s.publish(ctx, key, Update{
		Window: key.Window(),
		Begin:  affected.Begin,
		End:    affected.End,
		Patch:  patch,
	}); err != nil {
		// Subscribers never saw fresh. Keep the baseline they hold so the
		// next cycle's patch carries this change too.
		s.config.Registry.UpdateRepresentation(key, entry.Representation)
		logger.Warningf("%v", err)
		return false, nil
	}
	return true, nil
}
