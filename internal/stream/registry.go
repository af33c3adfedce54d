package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/climateaction/airstream/internal/location"
)

// DefaultOutboxSize bounds the messages queued for one subscriber.
const DefaultOutboxSize = 16

// Poller starts and stops the poll cycle for a location key.
// Both calls must be idempotent and must not block.
type Poller interface {
	Start(key location.Key)
	Stop(key location.Key)
}

// Subscriber is a connected client as tracked by the registry.
type Subscriber struct {
	clientID    string
	transport   Transport
	connectedAt time.Time

	// key is guarded by the registry mutex; nil until the client sets a location.
	key *location.Key

	outbox chan Message
	quit   chan struct{}
	once   sync.Once
}

// ClientID returns the client's identifier.
func (s *Subscriber) ClientID() string {
	return s.clientID
}

// Done is closed once the subscriber has been removed from the registry.
func (s *Subscriber) Done() <-chan struct{} {
	return s.quit
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.quit) })
}

// RegistryStats is a point-in-time view of registry membership.
type RegistryStats struct {
	Clients     int            `json:"clients"`
	Locations   int            `json:"locations"`
	Subscribers map[string]int `json:"subscribers"`
}

// Registry tracks connected clients and the subscriber set of every location
// key. A key's subscriber set is non-empty iff its poll cycle is running: the
// registry signals the poller on the empty to non-empty transition and back,
// under the same mutex that guards membership.
type Registry struct {
	poller     Poller
	outboxSize int

	mu      sync.Mutex
	clients map[string]*Subscriber
	keys    map[location.Key]map[string]*Subscriber
	closed  bool
}

// NewRegistry creates a registry that signals poller on membership transitions.
func NewRegistry(poller Poller, outboxSize int) *Registry {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Registry{
		poller:     poller,
		outboxSize: outboxSize,
		clients:    make(map[string]*Subscriber),
		keys:       make(map[location.Key]map[string]*Subscriber),
	}
}

// Subscribe registers a client with no location.
func (r *Registry) Subscribe(clientID string, transport Transport) (*Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrEngineClosed
	}
	if _, ok := r.clients[clientID]; ok {
		return nil, ErrAlreadySubscribed
	}

	sub := &Subscriber{
		clientID:    clientID,
		transport:   transport,
		connectedAt: time.Now(),
		outbox:      make(chan Message, r.outboxSize),
		quit:        make(chan struct{}),
	}
	r.clients[clientID] = sub
	return sub, nil
}

// Membership describes how SetLocation changed a client's subscription.
type Membership int

const (
	// MembershipUnchanged means the client was already on the key.
	MembershipUnchanged Membership = iota
	// MembershipJoined means the client joined a key that already had subscribers.
	MembershipJoined
	// MembershipStarted means the key gained its first subscriber and its poll
	// cycle was started.
	MembershipStarted
)

func (m Membership) String() string {
	switch m {
	case MembershipJoined:
		return "joined"
	case MembershipStarted:
		return "started"
	default:
		return "unchanged"
	}
}

// SetLocation normalizes lat/lon and moves the client to that key. Setting
// the current key again changes nothing. On error the subscription is left
// unchanged.
func (r *Registry) SetLocation(clientID string, lat, lon float64) (location.Key, Membership, error) {
	key, err := location.Normalize(lat, lon)
	if err != nil {
		return location.Key{}, MembershipUnchanged, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.clients[clientID]
	if !ok {
		return location.Key{}, MembershipUnchanged, ErrUnknownClient
	}
	if sub.key != nil && *sub.key == key {
		return key, MembershipUnchanged, nil
	}

	r.leave(sub)

	members := r.keys[key]
	if members == nil {
		members = make(map[string]*Subscriber)
		r.keys[key] = members
	}
	membership := MembershipJoined
	if len(members) == 0 {
		membership = MembershipStarted
	}
	members[clientID] = sub
	sub.key = &key

	if membership == MembershipStarted {
		r.poller.Start(key)
	}
	return key, membership, nil
}

// Unsubscribe removes the client. It reports whether the client was registered.
func (r *Registry) Unsubscribe(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.clients[clientID]
	if !ok {
		return false
	}
	r.drop(sub)
	return true
}

// remove drops sub only if it is still the registered subscriber for its id.
func (r *Registry) remove(sub *Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clients[sub.clientID] != sub {
		return false
	}
	r.drop(sub)
	return true
}

// Lookup returns the registered subscriber for clientID.
func (r *Registry) Lookup(clientID string) (*Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.clients[clientID]
	return sub, ok
}

// KeyOf returns the client's current location key.
func (r *Registry) KeyOf(clientID string) (location.Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.clients[clientID]
	if !ok || sub.key == nil {
		return location.Key{}, false
	}
	return *sub.key, true
}

// Subscribers returns a snapshot of the subscribers of key.
func (r *Registry) Subscribers(key location.Key) []*Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.keys[key]
	subs := make([]*Subscriber, 0, len(members))
	for _, sub := range members {
		subs = append(subs, sub)
	}
	return subs
}

// HasSubscribers reports whether key has at least one subscriber.
func (r *Registry) HasSubscribers(key location.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys[key]) > 0
}

// Keys returns the location keys that currently have subscribers.
func (r *Registry) Keys() []location.Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]location.Key, 0, len(r.keys))
	for key := range r.keys {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Stats returns membership counts.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistryStats{
		Clients:     len(r.clients),
		Locations:   len(r.keys),
		Subscribers: make(map[string]int, len(r.keys)),
	}
	for key, members := range r.keys {
		stats.Subscribers[key.String()] = len(members)
	}
	return stats
}

// Close removes every client and rejects further subscriptions.
func (r *Registry) Close() []*Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	subs := make([]*Subscriber, 0, len(r.clients))
	for _, sub := range r.clients {
		subs = append(subs, sub)
		r.drop(sub)
	}
	return subs
}

// drop must be called with r.mu held.
func (r *Registry) drop(sub *Subscriber) {
	r.leave(sub)
	delete(r.clients, sub.clientID)
	sub.close()
}

// leave must be called with r.mu held.
func (r *Registry) leave(sub *Subscriber) {
	if sub.key == nil {
		return
	}
	key := *sub.key
	sub.key = nil

	members := r.keys[key]
	delete(members, sub.clientID)
	if len(members) == 0 {
		delete(r.keys, key)
		r.poller.Stop(key)
	}
}
