package bus

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// TopicRegistry is a lock-free concurrent mapping from key to topic with
// get-or-add semantics: concurrent callers for the same key observe the same
// topic. The registry is the sole strong owner of topics; there is no
// removal.
type TopicRegistry struct {
	topics        *xsync.MapOf[string, *Topic]
	storeCapacity int
}

// NewTopicRegistry creates a registry whose topics get stores of the given
// ring capacity.
func NewTopicRegistry(storeCapacity int) *TopicRegistry {
	return &TopicRegistry{
		topics:        xsync.NewMapOf[string, *Topic](),
		storeCapacity: storeCapacity,
	}
}

// GetOrAdd returns the topic for key, creating it on first use.
func (r *TopicRegistry) GetOrAdd(key string) *Topic {
	t, _ := r.topics.LoadOrCompute(key, func() *Topic {
		return NewTopic(r.storeCapacity)
	})
	return t
}

// Get returns the topic for key if it exists.
func (r *TopicRegistry) Get(key string) (*Topic, bool) {
	return r.topics.Load(key)
}

// Range iterates all topics. Iteration order is unspecified; fn returning
// false stops the walk.
func (r *TopicRegistry) Range(fn func(key string, t *Topic) bool) {
	r.topics.Range(fn)
}

// Count returns the number of topics.
func (r *TopicRegistry) Count() int {
	return r.topics.Size()
}
