package bus

import (
	"sync"

	"github.com/google/uuid"
)

// Subscriber is the contract the bus consumes. Identity must be stable for
// the subscriber's lifetime; it is what topic membership and dedupe key on.
// EventKeys lists the topic keys currently of interest. The hook setters let
// the bus track dynamic interest changes; passing nil detaches a hook.
type Subscriber interface {
	Identity() string
	EventKeys() []string
	OnEventAdded(fn func(key string))
	OnEventRemoved(fn func(key string))
}

// LocalSubscriber is the default in-process Subscriber: a uuid identity and a
// mutable key set that fires the registered hooks on change.
type LocalSubscriber struct {
	identity string

	mu      sync.Mutex
	keys    []string
	added   func(key string)
	removed func(key string)
}

// NewLocalSubscriber creates a subscriber interested in the given keys.
func NewLocalSubscriber(keys ...string) *LocalSubscriber {
	return &LocalSubscriber{
		identity: uuid.NewString(),
		keys:     append([]string(nil), keys...),
	}
}

// Identity returns the subscriber's stable identity.
func (s *LocalSubscriber) Identity() string {
	return s.identity
}

// EventKeys returns a snapshot of the current key set.
func (s *LocalSubscriber) EventKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// OnEventAdded registers the hook fired when a key is added.
func (s *LocalSubscriber) OnEventAdded(fn func(key string)) {
	s.mu.Lock()
	s.added = fn
	s.mu.Unlock()
}

// OnEventRemoved registers the hook fired when a key is removed.
func (s *LocalSubscriber) OnEventRemoved(fn func(key string)) {
	s.mu.Lock()
	s.removed = fn
	s.mu.Unlock()
}

// AddKey adds a topic key to the interest set and fires the added hook.
// Adding a key already present is a no-op.
func (s *LocalSubscriber) AddKey(key string) {
	s.mu.Lock()
	for _, k := range s.keys {
		if k == key {
			s.mu.Unlock()
			return
		}
	}
	s.keys = append(s.keys, key)
	added := s.added
	s.mu.Unlock()

	if added != nil {
		added(key)
	}
}

// RemoveKey removes a topic key from the interest set and fires the removed
// hook. Removing an absent key is a no-op.
func (s *LocalSubscriber) RemoveKey(key string) {
	s.mu.Lock()
	found := false
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			found = true
			break
		}
	}
	removed := s.removed
	s.mu.Unlock()

	if found && removed != nil {
		removed(key)
	}
}
