package bus

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// Notifier is told about mutations.
type Notifier interface {
	DocumentChanged(ctx context.Context, documentID int64, dataOwner string) int
	RangeChanged(ctx context.Context, documentID int64, dataOwner string, begin, end int) int
}

// ListenerConfig holds the dependencies of an EventListener.
type ListenerConfig struct {
	Broker   Broker
	Channel  string
	Notifier Notifier
}

// Validate checks the configuration.
func (c ListenerConfig) Validate() error {
	switch {
	case c.Broker == nil:
		return errors.NotValidf("nil Broker")
	case c.Channel == "":
		return errors.NotValidf("empty Channel")
	case c.Notifier == nil:
		return errors.NotValidf("nil Notifier")
	}
	return nil
}

// EventListener is a worker that consumes mutation events and hands them
// to the notifier. Events for one document are dispatched in the order
// they arrive; different documents are dispatched concurrently.
type EventListener struct {
	catacomb catacomb.Catacomb
	config   ListenerConfig
	ready    chan struct{}

	mu     sync.Mutex
	queues map[int64][]MutationEvent
	wg     sync.WaitGroup
}

// NewEventListener starts an event listener.
func NewEventListener(config ListenerConfig) (*EventListener, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	l := &EventListener{
		config: config,
		ready:  make(chan struct{}),
		queues: make(map[int64][]MutationEvent),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "mutation-event-listener",
		Site: &l.catacomb,
		Work: l.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return l, nil
}

// Kill is part of the worker.Worker interface.
func (l *EventListener) Kill() {
	l.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (l *EventListener) Wait() error {
	return l.catacomb.Wait()
}

// Ready is closed once the listener has joined its channel.
func (l *EventListener) Ready() <-chan struct{} {
	return l.ready
}

func (l *EventListener) loop() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer l.wg.Wait()

	feed, err := l.config.Broker.Open(ctx)
	if err != nil {
		return errors.Annotate(err, "opening event feed")
	}
	defer func() { _ = feed.Close() }()
	if err := feed.Join(ctx, l.config.Channel); err != nil {
		return errors.Trace(err)
	}
	close(l.ready)
	logger.Infof("listening for mutation events on %q", l.config.Channel)

	for {
		select {
		case <-l.catacomb.Dying():
			cancel()
			return l.catacomb.ErrDying()
		case msg, ok := <-feed.C():
			if !ok {
				return errors.New("event feed closed")
			}
			ev, err := ParseEvent(msg.Payload)
			if err != nil {
				logger.Warningf("dropping event on %q: %v", msg.Topic, err)
				continue
			}
			l.enqueue(ctx, ev)
		}
	}
}

func (l *EventListener) enqueue(ctx context.Context, ev MutationEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending, running := l.queues[ev.DocumentID]
	l.queues[ev.DocumentID] = append(pending, ev)
	if running {
		return
	}
	l.wg.Add(1)
	go l.drain(ctx, ev.DocumentID)
}

func (l *EventListener) drain(ctx context.Context, documentID int64) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		pending := l.queues[documentID]
		if len(pending) == 0 {
			delete(l.queues, documentID)
			l.mu.Unlock()
			return
		}
		ev := pending[0]
		l.queues[documentID] = pending[1:]
		l.mu.Unlock()

		l.dispatch(ctx, ev)
	}
}

func (l *EventListener) dispatch(ctx context.Context, ev MutationEvent) {
	var n int
	switch ev.Kind {
	case DocumentEvent:
		n = l.config.Notifier.DocumentChanged(ctx, ev.DocumentID, ev.DataOwner)
	case RangeEvent:
		n = l.config.Notifier.RangeChanged(ctx, ev.DocumentID, ev.DataOwner, ev.Begin, ev.End)
	}
	logger.Debugf("event %s (%s, document %d) updated %d viewports", ev.ID, ev.Kind, ev.DocumentID, n)
}
