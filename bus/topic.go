package bus

import (
	"strings"
	"sync"
)

// Topic is a named channel: one message store plus the set of subscriptions
// currently interested in it. The subscription list and its identity index
// are guarded by a reader/writer lock; publishers snapshot under the read
// lock, subscribe and unsubscribe take the write lock. Topics are created
// lazily and never destroyed.
type Topic struct {
	store *MessageStore

	mu            sync.RWMutex
	subscriptions []*Subscription
	identities    map[string]struct{} // folded identity -> present
}

// NewTopic creates a topic whose store has the given ring capacity.
func NewTopic(storeCapacity int) *Topic {
	return &Topic{
		store:      NewMessageStore(storeCapacity),
		identities: make(map[string]struct{}),
	}
}

// Store returns the topic's message store.
func (t *Topic) Store() *MessageStore {
	return t.store
}

// foldIdentity normalizes identities for the dedupe index. Identity
// comparison is case-insensitive.
func foldIdentity(identity string) string {
	return strings.ToLower(identity)
}

// AddSubscription registers a subscription with the topic. A subscription
// identity already present is ignored, so a subscription appears at most once
// in the list.
func (t *Topic) AddSubscription(s *Subscription) {
	folded := foldIdentity(s.Identity())

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.identities[folded]; exists {
		return
	}
	t.identities[folded] = struct{}{}
	t.subscriptions = append(t.subscriptions, s)
}

// RemoveSubscription removes a subscription from the topic. Removing an
// absent subscription is a no-op.
func (t *Topic) RemoveSubscription(s *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, sub := range t.subscriptions {
		if sub == s {
			t.subscriptions = append(t.subscriptions[:i], t.subscriptions[i+1:]...)
			delete(t.identities, foldIdentity(s.Identity()))
			return
		}
	}
}

// Subscriptions returns a snapshot of the current subscription list, taken
// under the read lock so publishers never block subscribe churn for long.
func (t *Topic) Subscriptions() []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make([]*Subscription, len(t.subscriptions))
	copy(snapshot, t.subscriptions)
	return snapshot
}

// SubscriptionCount returns the number of registered subscriptions.
func (t *Topic) SubscriptionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscriptions)
}
