package viewport_test

import (
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	gc "gopkg.in/check.v1"

	"collabtext/diam/internal/viewport"
)

type registrySuite struct {
	clock   *testclock.Clock
	evicted []viewport.EvictReason
	mu      sync.Mutex
}

var _ = gc.Suite(&registrySuite{})

const idle = 5 * time.Minute

var (
	keyA = viewport.Key{ProjectID: 1, DocumentID: 7, DataOwner: "alice", Begin: 0, End: 100, Format: "json"}
	keyB = viewport.Key{ProjectID: 1, DocumentID: 7, DataOwner: "bob", Begin: 0, End: 100, Format: "json"}
	sub1 = viewport.SubscriptionID{SessionID: "s1", SubscriptionID: "1"}
	sub2 = viewport.SubscriptionID{SessionID: "s2", SubscriptionID: "1"}
)

func (s *registrySuite) SetUpTest(c *gc.C) {
	s.clock = testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.evicted = nil
}

func (s *registrySuite) newRegistry(c *gc.C, live func(string) bool) *viewport.Registry {
	r, err := viewport.NewRegistry(viewport.RegistryConfig{
		Clock:       s.clock,
		IdleExpiry:  idle,
		SessionLive: live,
		OnEvict: func(_ viewport.Key, reason viewport.EvictReason) {
			s.mu.Lock()
			s.evicted = append(s.evicted, reason)
			s.mu.Unlock()
		},
	})
	c.Assert(err, gc.IsNil)
	return r
}

func (s *registrySuite) TestConfigValidation(c *gc.C) {
	_, err := viewport.NewRegistry(viewport.RegistryConfig{IdleExpiry: idle})
	c.Check(err, gc.ErrorMatches, "nil Clock not valid")
	_, err = viewport.NewRegistry(viewport.RegistryConfig{Clock: s.clock})
	c.Check(err, gc.ErrorMatches, "non-positive IdleExpiry not valid")
}

func (s *registrySuite) TestGetOrCreate(c *gc.C) {
	r := s.newRegistry(c, nil)

	e := r.GetOrCreate(keyA)
	c.Check(e.Key, gc.Equals, keyA)
	c.Check(e.Representation, gc.IsNil)
	c.Check(e.Subscribers, gc.HasLen, 0)

	c.Assert(r.UpdateRepresentation(keyA, []byte(`{"a":1}`)), gc.Equals, true)
	same := keyA
	e = r.GetOrCreate(same)
	c.Check(string(e.Representation), gc.Equals, `{"a":1}`)
	c.Check(r.Len(), gc.Equals, 1)
}

func (s *registrySuite) TestAccessResetsIdleClock(c *gc.C) {
	r := s.newRegistry(c, nil)
	r.GetOrCreate(keyA)

	s.clock.Advance(idle - time.Second)
	_, ok := r.Get(keyA)
	c.Assert(ok, gc.Equals, true)

	s.clock.Advance(idle - time.Second)
	c.Check(r.Sweep(), gc.Equals, 0)

	s.clock.Advance(time.Second)
	c.Check(r.Sweep(), gc.Equals, 1)
	c.Check(r.Len(), gc.Equals, 0)
	c.Check(s.evicted, gc.DeepEquals, []viewport.EvictReason{viewport.EvictIdle})
}

func (s *registrySuite) TestExpiredEntryIsRecreated(c *gc.C) {
	r := s.newRegistry(c, nil)
	r.GetOrCreate(keyA)
	r.UpdateRepresentation(keyA, []byte(`{}`))

	s.clock.Advance(idle)
	e := r.GetOrCreate(keyA)
	c.Check(e.Representation, gc.IsNil)
	c.Check(s.evicted, gc.DeepEquals, []viewport.EvictReason{viewport.EvictIdle})
}

func (s *registrySuite) TestFindDoesNotTouch(c *gc.C) {
	r := s.newRegistry(c, nil)
	r.GetOrCreate(keyA)
	r.GetOrCreate(keyB)

	s.clock.Advance(idle - time.Second)
	found := r.Find(func(k viewport.Key) bool { return k.DataOwner == "alice" })
	c.Assert(found, gc.HasLen, 1)
	c.Check(found[0].Key, gc.Equals, keyA)

	s.clock.Advance(time.Second)
	c.Check(r.Find(func(viewport.Key) bool { return true }), gc.HasLen, 0)
	c.Check(r.Sweep(), gc.Equals, 2)
}

func (s *registrySuite) TestLastUnsubscribeEvictsEagerly(c *gc.C) {
	r := s.newRegistry(c, nil)
	r.GetOrCreate(keyA)
	r.AddSubscription(keyA, sub1)
	r.AddSubscription(keyA, sub2)

	c.Check(r.RemoveSubscription(keyA, sub1), gc.Equals, false)
	e, ok := r.Get(keyA)
	c.Assert(ok, gc.Equals, true)
	c.Check(e.Subscribers, gc.DeepEquals, []viewport.SubscriptionID{sub2})

	c.Check(r.RemoveSubscription(keyA, sub2), gc.Equals, true)
	_, ok = r.Get(keyA)
	c.Check(ok, gc.Equals, false)
	c.Check(s.evicted, gc.DeepEquals, []viewport.EvictReason{viewport.EvictUnsubscribed})

	c.Check(r.RemoveSubscription(keyA, sub2), gc.Equals, false)
}

func (s *registrySuite) TestSubscribedEntriesSurviveSweep(c *gc.C) {
	r := s.newRegistry(c, nil)
	r.AddSubscription(keyA, sub1)

	s.clock.Advance(2 * idle)
	c.Check(r.Sweep(), gc.Equals, 0)
	_, ok := r.Get(keyA)
	c.Check(ok, gc.Equals, true)
}

func (s *registrySuite) TestDeadSessionsAreSwept(c *gc.C) {
	live := map[string]bool{"s1": true, "s2": false}
	r := s.newRegistry(c, func(id string) bool { return live[id] })
	r.AddSubscription(keyA, sub1)
	r.AddSubscription(keyB, sub2)

	s.clock.Advance(idle)
	c.Check(r.Sweep(), gc.Equals, 1)
	_, ok := r.Get(keyA)
	c.Check(ok, gc.Equals, true)
	_, ok = r.Get(keyB)
	c.Check(ok, gc.Equals, false)
}

func (s *registrySuite) TestUpdateMissingEntry(c *gc.C) {
	r := s.newRegistry(c, nil)
	c.Check(r.UpdateRepresentation(keyA, []byte(`{}`)), gc.Equals, false)
	c.Check(r.Len(), gc.Equals, 0)
}

func (s *registrySuite) TestAddSubscriptionRecreatesEntry(c *gc.C) {
	r := s.newRegistry(c, nil)
	r.AddSubscription(keyA, sub1)
	e, ok := r.Get(keyA)
	c.Assert(ok, gc.Equals, true)
	c.Check(e.Subscribers, gc.DeepEquals, []viewport.SubscriptionID{sub1})
}

func (s *registrySuite) TestKeysForSession(c *gc.C) {
	r := s.newRegistry(c, nil)
	other := viewport.SubscriptionID{SessionID: "s1", SubscriptionID: "2"}
	r.AddSubscription(keyA, sub1)
	r.AddSubscription(keyB, other)
	r.AddSubscription(keyB, sub2)

	c.Check(r.KeysForSession("s1"), gc.DeepEquals, map[viewport.SubscriptionID]viewport.Key{
		sub1:  keyA,
		other: keyB,
	})
	c.Check(r.KeysForSession("nobody"), gc.HasLen, 0)
}

func (s *registrySuite) TestEvictAndClear(c *gc.C) {
	r := s.newRegistry(c, nil)
	r.AddSubscription(keyA, sub1)
	r.GetOrCreate(keyB)

	r.Evict(keyA)
	r.Evict(keyA)
	c.Check(r.Len(), gc.Equals, 1)

	r.Clear()
	c.Check(r.Len(), gc.Equals, 0)
	c.Check(s.evicted, gc.DeepEquals, []viewport.EvictReason{viewport.EvictExplicit, viewport.EvictShutdown})
}

func (s *registrySuite) TestConcurrentAccess(c *gc.C) {
	r := s.newRegistry(c, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := viewport.SubscriptionID{SessionID: "s", SubscriptionID: string(rune('a' + i))}
			r.AddSubscription(keyA, id)
			r.UpdateRepresentation(keyA, []byte(`{}`))
			r.Find(func(viewport.Key) bool { return true })
			r.RemoveSubscription(keyA, id)
		}(i)
	}
	wg.Wait()
	c.Check(r.Len(), gc.Equals, 0)
}
