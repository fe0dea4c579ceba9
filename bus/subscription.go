package bus

import (
	"sync"
	"sync/atomic"

	"github.com/jizhuozhi/go-future"
)

// Subscription is one subscriber's read-side state across its topics: an
// ordered cursor list, the delivery callback, a batch cap and the three
// atomic flags that drive scheduling. Equality and dedupe are by identity.
//
// The flags carry the engine's invariants: queued=1 means the subscription is
// in the engine FIFO exactly once; working=1 means exactly one worker is
// executing the pump; disposed=1 means no further batch is delivered: the only
// callback initiated after it is the one terminal cursor-only result (an
// in-flight pump completes normally).
type Subscription struct {
	identity    string
	callback    Callback
	maxMessages int

	mu      sync.Mutex
	cursors []Cursor

	queued   atomic.Int32
	working  atomic.Int32
	disposed atomic.Int32
	terminal atomic.Int32 // terminal cursor-only result sent
}

// NewSubscription creates a subscription with an empty cursor list.
func NewSubscription(identity string, callback Callback, maxMessages int) *Subscription {
	return &Subscription{
		identity:    identity,
		callback:    callback,
		maxMessages: maxMessages,
	}
}

// Identity returns the subscription's identity string.
func (s *Subscription) Identity() string {
	return s.identity
}

// AddOrUpdateCursor appends a cursor for key when none exists and reports
// whether it did. An existing cursor is left untouched.
func (s *Subscription) AddOrUpdateCursor(key string, id uint64, topic *Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cursors {
		if s.cursors[i].Key == key {
			return false
		}
	}
	s.cursors = append(s.cursors, Cursor{Key: key, ID: id, Topic: topic})
	return true
}

// UpdateCursor sets the id of an existing cursor for key and reports whether
// one was found.
func (s *Subscription) UpdateCursor(key string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cursors {
		if s.cursors[i].Key == key {
			s.cursors[i].ID = id
			return true
		}
	}
	return false
}

// SetCursorTopic attaches a topic reference to an existing cursor for key,
// such as one added with the nil topic ref a decoded cursor carries.
func (s *Subscription) SetCursorTopic(key string, topic *Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cursors {
		if s.cursors[i].Key == key {
			s.cursors[i].Topic = topic
		}
	}
}

// RemoveCursor drops all cursors for key.
func (s *Subscription) RemoveCursor(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.cursors[:0]
	for _, c := range s.cursors {
		if c.Key != key {
			kept = append(kept, c)
		}
	}
	s.cursors = kept
}

// Keys returns the distinct topic keys currently carried by the cursor list.
func (s *Subscription) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.cursors))
	for _, c := range s.cursors {
		keys = append(keys, c.Key)
	}
	return keys
}

// CursorString returns the serialized form of the current cursor list.
func (s *Subscription) CursorString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return EncodeCursors(s.cursors)
}

// SetQueued transitions queued 0->1 and reports whether this caller won the
// transition. The winner must hand the subscription to the engine FIFO.
func (s *Subscription) SetQueued() bool {
	return s.queued.CompareAndSwap(0, 1)
}

// UnsetQueued clears the queued flag. Any publish after this point re-queues
// the subscription; any publish before it was coalesced into the last pump.
func (s *Subscription) UnsetQueued() {
	s.queued.Store(0)
}

// setWorking transitions working 0->1; false means another worker owns the
// pump.
func (s *Subscription) setWorking() bool {
	return s.working.CompareAndSwap(0, 1)
}

func (s *Subscription) unsetWorking() {
	s.working.Store(0)
}

// Disposed reports whether the subscription has been disposed.
func (s *Subscription) Disposed() bool {
	return s.disposed.Load() == 1
}

// Dispose marks the subscription dead and delivers one final synthetic
// result carrying only the terminal cursor string, so the owner can persist
// its position. Idempotent; an in-flight pump completes normally.
func (s *Subscription) Dispose() {
	if !s.disposed.CompareAndSwap(0, 1) {
		return
	}

	if s.callback != nil && s.terminal.CompareAndSwap(0, 1) {
		s.callback(&MessageResult{Cursor: s.CursorString()})
	}
}

// WorkAsync drains the subscription against its topics' stores and invokes
// the callback with batches until no messages remain, the callback stops the
// subscription, or the subscription is disposed. Re-entry is prevented by the
// working flag: a pump already owned by another worker completes immediately.
//
// The returned future resolves once the pump finishes; a callback fault is
// propagated as its error.
func (s *Subscription) WorkAsync(topics *TopicRegistry) *future.Future[error] {
	p := future.NewPromise[error]()

	if !s.setWorking() {
		p.Set(nil, nil)
		return p.Future()
	}

	var pumpErr error
	for {
		if s.Disposed() {
			break
		}

		items, total, next, clones := s.drain(topics)

		if len(items) == 0 {
			break
		}

		s.swapCursors(clones)

		fut := s.callback(&MessageResult{
			Messages:   items,
			Cursor:     next,
			TotalCount: total,
		})
		if fut == nil {
			continue
		}

		keep, err := fut.Get()
		if err != nil {
			pumpErr = err
			break
		}
		if !keep {
			s.Dispose()
			break
		}
	}

	s.unsetWorking()
	p.Set(nil, pumpErr)
	return p.Future()
}

// drain clones the cursor list under the lock, then reads each cursor's topic
// store outside it. Clone ids advance past what was read (jumping any
// overwritten range), and the next cursor string is built from the clones
// whether or not any messages were produced, so a caller's position always
// moves past lost ranges.
func (s *Subscription) drain(topics *TopicRegistry) (items []Message, total int, next string, clones []Cursor) {
	s.mu.Lock()
	clones = make([]Cursor, len(s.cursors))
	copy(clones, s.cursors)
	s.mu.Unlock()

	for i := range clones {
		topic := clones[i].Topic
		if topic == nil {
			t, ok := topics.Get(clones[i].Key)
			if !ok {
				continue
			}
			clones[i].Topic = t
			topic = t
		}

		firstID, msgs := topic.Store().GetMessages(clones[i].ID, s.maxMessages)
		if len(msgs) == 0 {
			continue
		}

		clones[i].ID = firstID + uint64(len(msgs))
		items = append(items, msgs...)
		total += len(msgs)
	}

	next = EncodeCursors(clones)
	return items, total, next, clones
}

// swapCursors installs the advanced clones as the new cursor list.
func (s *Subscription) swapCursors(clones []Cursor) {
	s.mu.Lock()
	s.cursors = clones
	s.mu.Unlock()
}
