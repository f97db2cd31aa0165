package viewport

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("diam.viewport")

// EvictReason says why an entry left the registry.
type EvictReason string

const (
	EvictUnsubscribed EvictReason = "unsubscribed"
	EvictIdle         EvictReason = "idle"
	EvictExplicit     EvictReason = "explicit"
	EvictShutdown     EvictReason = "shutdown"
)

// Entry is a point-in-time copy of the state the registry holds for a key.
// Representation is nil until the first successful render.
type Entry struct {
	Key            Key
	Representation []byte
	Subscribers    []SubscriptionID
	LastAccess     time.Time
}

type entry struct {
	representation []byte
	subscribers    map[SubscriptionID]struct{}
	lastAccess     time.Time
}

func (e *entry) snapshot(k Key) Entry {
	subs := make([]SubscriptionID, 0, len(e.subscribers))
	for id := range e.subscribers {
		subs = append(subs, id)
	}
	return Entry{
		Key:            k,
		Representation: e.representation,
		Subscribers:    subs,
		LastAccess:     e.lastAccess,
	}
}

// RegistryConfig holds the dependencies of a Registry.
type RegistryConfig struct {
	Clock clock.Clock

	// IdleExpiry is how long an entry may go without being accessed before
	// the sweeper removes it.
	IdleExpiry time.Duration

	// SessionLive, if set, is asked during a sweep whether a session is
	// still connected. Idle entries whose subscribers all belong to dead
	// sessions are expired like entries without subscribers.
	SessionLive func(sessionID string) bool

	// OnEvict, if set, is called after an entry is removed. It is called
	// without the registry lock held.
	OnEvict func(Key, EvictReason)
}

// Validate checks the configuration.
func (c RegistryConfig) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.IdleExpiry <= 0 {
		return errors.NotValidf("non-positive IdleExpiry")
	}
	return nil
}

// Registry caches per-viewport state: the representation last sent to the
// viewport's subscribers and the set of subscriptions watching it.
//
// The registry lock only guards the map and is never held while rendering;
// callers serialize the render/diff/update cycle of a key themselves.
type Registry struct {
	config RegistryConfig

	mu      sync.Mutex
	entries map[Key]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Registry{
		config:  config,
		entries: make(map[Key]*entry),
	}, nil
}

// lookup returns the live entry for k, dropping it first if it has already
// expired. Callers must hold r.mu.
func (r *Registry) lookup(k Key, now time.Time) (*entry, []evicted) {
	e, ok := r.entries[k]
	if !ok {
		return nil, nil
	}
	if r.expired(e, now) {
		delete(r.entries, k)
		return nil, []evicted{{k, EvictIdle}}
	}
	return e, nil
}

func (r *Registry) expired(e *entry, now time.Time) bool {
	if now.Sub(e.lastAccess) < r.config.IdleExpiry {
		return false
	}
	if len(e.subscribers) == 0 {
		return true
	}
	if r.config.SessionLive == nil {
		return false
	}
	for id := range e.subscribers {
		if r.config.SessionLive(id.SessionID) {
			return false
		}
	}
	return true
}

type evicted struct {
	key    Key
	reason EvictReason
}

func (r *Registry) notify(evs []evicted) {
	for _, ev := range evs {
		logger.Debugf("evicted viewport %s (%s)", ev.key, ev.reason)
		if r.config.OnEvict != nil {
			r.config.OnEvict(ev.key, ev.reason)
		}
	}
}

// GetOrCreate returns the entry for k, creating an empty one if needed. The
// entry's idle clock is reset.
func (r *Registry) GetOrCreate(k Key) Entry {
	r.mu.Lock()
	now := r.config.Clock.Now()
	e, evs := r.lookup(k, now)
	if e == nil {
		e = &entry{subscribers: make(map[SubscriptionID]struct{})}
		r.entries[k] = e
	}
	e.lastAccess = now
	snap := e.snapshot(k)
	r.mu.Unlock()

	r.notify(evs)
	return snap
}

// Get returns the entry for k without creating one. It resets the idle clock
// of the entry it returns.
func (r *Registry) Get(k Key) (Entry, bool) {
	r.mu.Lock()
	now := r.config.Clock.Now()
	e, evs := r.lookup(k, now)
	var (
		snap Entry
		ok   = e != nil
	)
	if ok {
		e.lastAccess = now
		snap = e.snapshot(k)
	}
	r.mu.Unlock()

	r.notify(evs)
	return snap, ok
}

// Find returns every live entry whose key satisfies match. Idle clocks are
// left alone; callers touch the entries they go on to use.
func (r *Registry) Find(match func(Key) bool) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.config.Clock.Now()
	var found []Entry
	for k, e := range r.entries {
		if r.expired(e, now) || !match(k) {
			continue
		}
		found = append(found, e.snapshot(k))
	}
	return found
}

// AddSubscription records id as a subscriber of k, creating the entry if it
// was evicted in the meantime.
func (r *Registry) AddSubscription(k Key, id SubscriptionID) {
	r.mu.Lock()
	now := r.config.Clock.Now()
	e, evs := r.lookup(k, now)
	if e == nil {
		e = &entry{subscribers: make(map[SubscriptionID]struct{})}
		r.entries[k] = e
	}
	e.subscribers[id] = struct{}{}
	e.lastAccess = now
	r.mu.Unlock()

	r.notify(evs)
}

// RemoveSubscription drops id from the subscribers of k. When the last
// subscriber leaves the entry is evicted straight away and true is returned.
func (r *Registry) RemoveSubscription(k Key, id SubscriptionID) bool {
	r.mu.Lock()
	e, ok := r.entries[k]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(e.subscribers, id)
	e.lastAccess = r.config.Clock.Now()
	if len(e.subscribers) > 0 {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, k)
	r.mu.Unlock()

	r.notify([]evicted{{k, EvictUnsubscribed}})
	return true
}

// UpdateRepresentation replaces the diff baseline of k. It returns false if
// the entry no longer exists.
func (r *Registry) UpdateRepresentation(k Key, representation []byte) bool {
	r.mu.Lock()
	now := r.config.Clock.Now()
	e, evs := r.lookup(k, now)
	if e != nil {
		e.representation = representation
		e.lastAccess = now
	}
	r.mu.Unlock()

	r.notify(evs)
	return e != nil
}

// Evict removes k unconditionally.
func (r *Registry) Evict(k Key) {
	r.mu.Lock()
	_, ok := r.entries[k]
	delete(r.entries, k)
	r.mu.Unlock()

	if ok {
		r.notify([]evicted{{k, EvictExplicit}})
	}
}

// KeysForSession returns every subscription held by a transport session,
// together with the key it watches.
func (r *Registry) KeysForSession(sessionID string) map[SubscriptionID]Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := make(map[SubscriptionID]Key)
	for k, e := range r.entries {
		for id := range e.subscribers {
			if id.SessionID == sessionID {
				subs[id] = k
			}
		}
	}
	return subs
}

// Sweep removes expired entries and returns how many it removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.config.Clock.Now()
	var evs []evicted
	for k, e := range r.entries {
		if r.expired(e, now) {
			delete(r.entries, k)
			evs = append(evs, evicted{k, EvictIdle})
		}
	}
	r.mu.Unlock()

	r.notify(evs)
	return len(evs)
}

// Clear drops every entry. It is used when the service shuts down.
func (r *Registry) Clear() {
	r.mu.Lock()
	evs := make([]evicted, 0, len(r.entries))
	for k := range r.entries {
		evs = append(evs, evicted{k, EvictShutdown})
	}
	r.entries = make(map[Key]*entry)
	r.mu.Unlock()

	r.notify(evs)
}

// Len returns the number of entries, expired or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
