package store_test

import (
	"github.com/juju/errors"
	gc "gopkg.in/check.v1"

	"collabtext/diam/internal/diff"
	"collabtext/diam/internal/store"
	"collabtext/diam/internal/viewport"
)

type buildSuite struct{}

var _ = gc.Suite(&buildSuite{})

var annotations = []store.Annotation{
	{ID: 1, Layer: "ner", Label: "PER", Begin: 12, End: 15},
	{ID: 2, Layer: "ner", Label: "LOC", Begin: 5, End: 25},
}

func (s *buildSuite) TestJSONFormat(c *gc.C) {
	k := viewport.Key{ProjectID: 1, DocumentID: 7, DataOwner: "alice", Begin: 10, End: 20, Format: store.FormatJSON}
	got, err := store.Build(k, "0123456789", annotations)
	c.Assert(err, gc.IsNil)
	want := `{"document":7,"begin":10,"end":20,"text":"0123456789","spans":{
		"1":{"layer":"ner","label":"PER","begin":2,"end":5},
		"2":{"layer":"ner","label":"LOC","begin":0,"end":10}}}`
	c.Check(diff.Equal(got, []byte(want)), gc.Equals, true, gc.Commentf("got %s", got))
}

func (s *buildSuite) TestCompactFormat(c *gc.C) {
	k := viewport.Key{ProjectID: 1, DocumentID: 7, DataOwner: "alice", Begin: 10, End: 20, Format: store.FormatCompact}
	got, err := store.Build(k, "0123456789", annotations[:1])
	c.Assert(err, gc.IsNil)
	c.Check(diff.Equal(got, []byte(`{"document":7,"begin":10,"end":20,"text":"0123456789","spans":{"1":[2,5,"PER"]}}`)), gc.Equals, true,
		gc.Commentf("got %s", got))
}

func (s *buildSuite) TestEmptyWindowHasEmptySpans(c *gc.C) {
	k := viewport.Key{ProjectID: 1, DocumentID: 7, DataOwner: "alice", Begin: 0, End: 0, Format: store.FormatJSON}
	got, err := store.Build(k, "", nil)
	c.Assert(err, gc.IsNil)
	c.Check(string(got), gc.Equals, `{"document":7,"begin":0,"end":0,"text":"","spans":{}}`)
}

func (s *buildSuite) TestUnknownFormat(c *gc.C) {
	k := viewport.Key{ProjectID: 1, DocumentID: 7, DataOwner: "alice", Begin: 0, End: 1, Format: "svg"}
	_, err := store.Build(k, "", nil)
	c.Check(errors.Is(err, errors.NotValid), gc.Equals, true)
}

func (s *buildSuite) TestSpanChangeGivesSmallPatch(c *gc.C) {
	k := viewport.Key{ProjectID: 1, DocumentID: 7, DataOwner: "alice", Begin: 10, End: 20, Format: store.FormatJSON}
	before, err := store.Build(k, "0123456789", annotations)
	c.Assert(err, gc.IsNil)
	changed := []store.Annotation{annotations[0], annotations[1]}
	changed[0].Label = "ORG"
	after, err := store.Build(k, "0123456789", changed)
	c.Assert(err, gc.IsNil)

	patch, err := diff.Engine{}.Diff(before, after)
	c.Assert(err, gc.IsNil)
	c.Check(string(patch), gc.Equals, `{"spans":{"1":{"label":"ORG"}}}`)
}
