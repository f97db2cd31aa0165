// Package bus carries published viewport updates and mutation events
// between processes.
package bus

import (
	"context"

	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("diam.bus")

// Message is a payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Feed receives the messages published on the topics it has joined.
type Feed interface {
	Join(ctx context.Context, topic string) error
	Leave(ctx context.Context, topic string) error
	C() <-chan Message
	Close() error
}

// Publisher sends a payload to every feed that joined a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Broker publishes messages and opens feeds.
type Broker interface {
	Publisher
	Open(ctx context.Context) (Feed, error)
}
