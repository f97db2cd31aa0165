package bus

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

const feedBuffer = 256

// Local is an in-process broker, used when the service runs on a single
// node.
type Local struct {
	mu    sync.RWMutex
	feeds map[string]map[*localFeed]struct{}
}

// NewLocal returns an empty in-process broker.
func NewLocal() *Local {
	return &Local{feeds: make(map[string]map[*localFeed]struct{})}
}

// Publish delivers payload to every feed on topic. A feed whose buffer is
// full misses the message.
func (l *Local) Publish(ctx context.Context, topic string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for f := range l.feeds[topic] {
		select {
		case f.ch <- Message{Topic: topic, Payload: payload}:
		default:
			logger.Warningf("feed buffer full, dropped message on %q", topic)
		}
	}
	return nil
}

// Open returns a feed that has joined no topics.
func (l *Local) Open(context.Context) (Feed, error) {
	return &localFeed{
		broker: l,
		ch:     make(chan Message, feedBuffer),
		topics: make(map[string]struct{}),
	}, nil
}

type localFeed struct {
	broker *Local
	ch     chan Message

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func (f *localFeed) Join(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("feed closed")
	}
	f.topics[topic] = struct{}{}

	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	if f.broker.feeds[topic] == nil {
		f.broker.feeds[topic] = make(map[*localFeed]struct{})
	}
	f.broker.feeds[topic][f] = struct{}{}
	return nil
}

func (f *localFeed) Leave(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.topics, topic)
	f.broker.remove(topic, f)
	return nil
}

func (f *localFeed) C() <-chan Message {
	return f.ch
}

func (f *localFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for topic := range f.topics {
		f.broker.remove(topic, f)
	}
	close(f.ch)
	return nil
}

func (l *Local) remove(topic string, f *localFeed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fs, ok := l.feeds[topic]; ok {
		delete(fs, f)
		if len(fs) == 0 {
			delete(l.feeds, topic)
		}
	}
}
