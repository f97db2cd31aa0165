package bus_test

import (
	"context"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	gc "gopkg.in/check.v1"

	"collabtext/diam/internal/bus"
)

// redisSuite runs against a real server named by DIAM_TEST_REDIS_ADDR.
type redisSuite struct {
	client *redis.Client
	broker *bus.Redis
	prefix string
}

var _ = gc.Suite(&redisSuite{})

func (s *redisSuite) SetUpSuite(c *gc.C) {
	addr := os.Getenv("DIAM_TEST_REDIS_ADDR")
	if addr == "" {
		c.Skip("DIAM_TEST_REDIS_ADDR not set")
	}
	s.client = redis.NewClient(&redis.Options{Addr: addr})
	c.Assert(s.client.Ping(context.Background()).Err(), gc.IsNil)
	s.broker = bus.NewRedis(s.client)
}

func (s *redisSuite) TearDownSuite(c *gc.C) {
	if s.client != nil {
		c.Check(s.client.Close(), gc.IsNil)
	}
}

func (s *redisSuite) SetUpTest(c *gc.C) {
	s.prefix = "diam-test/" + ulid.Make().String() + "/"
}

func (s *redisSuite) topic(name string) string {
	return s.prefix + name
}

// publishUntilReceived publishes on topic until f sees a message there.
// A SUBSCRIBE is not acknowledged through the feed, so the first
// publishes may race it.
func (s *redisSuite) publishUntilReceived(c *gc.C, f bus.Feed, topic, payload string) bus.Message {
	ctx := context.Background()
	deadline := time.After(longWait)
	for {
		c.Assert(s.broker.Publish(ctx, topic, []byte(payload)), gc.IsNil)
		select {
		case msg, ok := <-f.C():
			c.Assert(ok, gc.Equals, true)
			if msg.Topic == topic {
				return msg
			}
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			c.Fatalf("nothing received on %q", topic)
		}
	}
}

func (s *redisSuite) open(c *gc.C) bus.Feed {
	f, err := s.broker.Open(context.Background())
	c.Assert(err, gc.IsNil)
	return f
}

func (s *redisSuite) TestPublishReachesJoinedFeeds(c *gc.C) {
	ctx := context.Background()
	f1 := s.open(c)
	defer f1.Close()
	f2 := s.open(c)
	defer f2.Close()

	c.Assert(f1.Join(ctx, s.topic("a")), gc.IsNil)
	c.Assert(f2.Join(ctx, s.topic("b")), gc.IsNil)

	msg := s.publishUntilReceived(c, f1, s.topic("a"), "x")
	c.Check(string(msg.Payload), gc.Equals, "x")
	s.publishUntilReceived(c, f2, s.topic("b"), "y")

	// f1 only ever joined "a"; drain its duplicates and check nothing
	// from "b" reached it.
drain:
	for {
		select {
		case msg := <-f1.C():
			c.Check(msg.Topic, gc.Equals, s.topic("a"))
		case <-time.After(50 * time.Millisecond):
			break drain
		}
	}
}

func (s *redisSuite) TestLeave(c *gc.C) {
	ctx := context.Background()
	f := s.open(c)
	defer f.Close()

	c.Assert(f.Join(ctx, s.topic("a")), gc.IsNil)
	s.publishUntilReceived(c, f, s.topic("a"), "before")

	c.Assert(f.Leave(ctx, s.topic("a")), gc.IsNil)
	// The subscription connection handles commands in order, so once the
	// marker arrives the unsubscribe has taken effect.
	c.Assert(f.Join(ctx, s.topic("marker")), gc.IsNil)
	s.publishUntilReceived(c, f, s.topic("marker"), "m")

	c.Assert(s.broker.Publish(ctx, s.topic("a"), []byte("after")), gc.IsNil)
	c.Assert(s.broker.Publish(ctx, s.topic("marker"), []byte("end")), gc.IsNil)
	// Earlier retries may still be queued; only "after" must not show up.
	for {
		msg := receive(c, f)
		c.Assert(string(msg.Payload), gc.Not(gc.Equals), "after")
		if string(msg.Payload) == "end" {
			break
		}
	}
}

func (s *redisSuite) TestCloseEndsFeed(c *gc.C) {
	ctx := context.Background()
	f := s.open(c)
	c.Assert(f.Join(ctx, s.topic("a")), gc.IsNil)
	s.publishUntilReceived(c, f, s.topic("a"), "x")

	c.Assert(f.Close(), gc.IsNil)
	c.Assert(f.Close(), gc.IsNil)
	deadline := time.After(longWait)
	for {
		select {
		case _, ok := <-f.C():
			if !ok {
				return
			}
		case <-deadline:
			c.Fatalf("feed channel not closed")
		}
	}
}
