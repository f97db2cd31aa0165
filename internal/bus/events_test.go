package bus_test

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	gc "gopkg.in/check.v1"

	"collabtext/diam/internal/bus"
)

type eventsSuite struct{}

var _ = gc.Suite(&eventsSuite{})

func (s *eventsSuite) TestConstructors(c *gc.C) {
	d := bus.NewDocumentEvent(7, "")
	c.Check(d.Kind, gc.Equals, bus.DocumentEvent)
	c.Check(d.ID, gc.HasLen, 26)
	c.Check(d.Validate(), gc.IsNil)

	r := bus.NewRangeEvent(7, "alice", 10, 20)
	c.Check(r.Kind, gc.Equals, bus.RangeEvent)
	c.Check(r.ID, gc.Not(gc.Equals), d.ID)
	c.Check(r.Validate(), gc.IsNil)
}

func (s *eventsSuite) TestParseEvent(c *gc.C) {
	ev, err := bus.ParseEvent([]byte(`{"id":"x","kind":"range","documentId":7,"dataOwner":"alice","begin":10,"end":20}`))
	c.Assert(err, gc.IsNil)
	c.Check(ev, gc.DeepEquals, bus.MutationEvent{ID: "x", Kind: bus.RangeEvent, DocumentID: 7, DataOwner: "alice", Begin: 10, End: 20})

	for _, payload := range []string{
		`not json`,
		`{"kind":"rename","documentId":7}`,
		`{"kind":"range","documentId":7,"begin":1,"end":2}`,
		`{"kind":"range","documentId":7,"dataOwner":"alice","begin":3,"end":2}`,
	} {
		_, err := bus.ParseEvent([]byte(payload))
		c.Check(errors.Is(err, errors.NotValid), gc.Equals, true, gc.Commentf("%s", payload))
	}
}

func (s *eventsSuite) TestAnnounce(c *gc.C) {
	ctx := context.Background()
	b := bus.NewLocal()
	f, err := b.Open(ctx)
	c.Assert(err, gc.IsNil)
	defer f.Close()
	c.Assert(f.Join(ctx, bus.DefaultEventsChannel), gc.IsNil)

	ev := bus.NewRangeEvent(7, "alice", 1, 2)
	c.Assert(bus.Announce(ctx, b, bus.DefaultEventsChannel, ev), gc.IsNil)

	var got bus.MutationEvent
	c.Assert(json.Unmarshal(receive(c, f).Payload, &got), gc.IsNil)
	c.Check(got, gc.DeepEquals, ev)

	c.Check(bus.Announce(ctx, b, bus.DefaultEventsChannel, bus.MutationEvent{Kind: "x"}), gc.NotNil)
}
