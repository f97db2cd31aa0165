package viewport_test

import (
	gc "gopkg.in/check.v1"

	"collabtext/diam/internal/viewport"
)

type topicSuite struct{}

var _ = gc.Suite(&topicSuite{})

var topicKey = viewport.Key{ProjectID: 1, DocumentID: 7, DataOwner: "alice", Begin: 0, End: 100, Format: "json"}

func (s *topicSuite) TestDocumentTopicIgnoresWindow(c *gc.C) {
	other := topicKey
	other.Begin, other.End, other.Format = 500, 900, "compact"

	c.Check(viewport.DocumentTopics.Topic(topicKey), gc.Equals, "diam/p/1/d/7/u/alice")
	c.Check(viewport.DocumentTopics.Topic(other), gc.Equals, viewport.DocumentTopics.Topic(topicKey))
}

func (s *topicSuite) TestWindowTopicEncodesWindow(c *gc.C) {
	other := topicKey
	other.End = 101

	c.Check(viewport.WindowTopics.Topic(topicKey), gc.Equals, "diam/p/1/d/7/u/alice/w/0-100/f/json")
	c.Check(viewport.WindowTopics.Topic(other), gc.Not(gc.Equals), viewport.WindowTopics.Topic(topicKey))
}

func (s *topicSuite) TestParseRoundTrip(c *gc.C) {
	k := topicKey
	k.DataOwner = "curation/shared user"

	addr, err := viewport.ParseTopic(viewport.DocumentTopics.Topic(k))
	c.Assert(err, gc.IsNil)
	c.Check(addr.DataOwner, gc.Equals, "curation/shared user")
	c.Check(addr.Window, gc.IsNil)
	c.Check(addr.Matches(k), gc.Equals, true)

	addr, err = viewport.ParseTopic(viewport.WindowTopics.Topic(k))
	c.Assert(err, gc.IsNil)
	c.Assert(addr.Window, gc.NotNil)
	c.Check(*addr.Window, gc.Equals, viewport.Window{Begin: 0, End: 100, Format: "json"})
	c.Check(addr.Matches(k), gc.Equals, true)

	other := k
	other.Begin = 1
	c.Check(addr.Matches(other), gc.Equals, false)
}

func (s *topicSuite) TestParseInvalid(c *gc.C) {
	for _, topic := range []string{
		"",
		"diam/p/x/d/7/u/alice",
		"other/p/1/d/7/u/alice",
		"diam/p/1/d/7/u/alice/w/0-100",
		"diam/p/1/d/7/u/alice/w/0:100/f/json",
	} {
		_, err := viewport.ParseTopic(topic)
		c.Check(err, gc.NotNil, gc.Commentf("topic %q", topic))
	}
}

func (s *topicSuite) TestSchemeValidate(c *gc.C) {
	c.Check(viewport.DocumentTopics.Validate(), gc.IsNil)
	c.Check(viewport.WindowTopics.Validate(), gc.IsNil)
	c.Check(viewport.TopicScheme("room").Validate(), gc.ErrorMatches, `topic scheme "room" not valid`)
}
