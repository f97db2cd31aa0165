package bus

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
)

// Redis is a broker backed by Redis pub/sub, so that every node serving
// websocket sessions sees updates published by any node.
type Redis struct {
	client *redis.Client
}

// NewRedis returns a broker using client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Publish is part of the Publisher interface.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return errors.Annotatef(err, "publishing to %q", topic)
	}
	return nil
}

// Open returns a feed with its own Redis subscription connection.
func (r *Redis) Open(ctx context.Context) (Feed, error) {
	ps := r.client.Subscribe(ctx)
	f := &redisFeed{
		pubsub: ps,
		ch:     make(chan Message, feedBuffer),
		done:   make(chan struct{}),
	}
	go f.relay()
	return f, nil
}

type redisFeed struct {
	pubsub *redis.PubSub
	ch     chan Message

	once sync.Once
	done chan struct{}
}

func (f *redisFeed) relay() {
	defer close(f.ch)
	msgs := f.pubsub.Channel()
	for {
		select {
		case <-f.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case f.ch <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-f.done:
				return
			}
		}
	}
}

func (f *redisFeed) Join(ctx context.Context, topic string) error {
	return errors.Annotatef(f.pubsub.Subscribe(ctx, topic), "subscribing to %q", topic)
}

func (f *redisFeed) Leave(ctx context.Context, topic string) error {
	return errors.Annotatef(f.pubsub.Unsubscribe(ctx, topic), "unsubscribing from %q", topic)
}

func (f *redisFeed) C() <-chan Message {
	return f.ch
}

func (f *redisFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.pubsub.Close()
	})
	return errors.Trace(err)
}
