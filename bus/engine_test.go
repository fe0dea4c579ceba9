package bus

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/netdebug/signalr/cfg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func withIdleCheckInterval(t *testing.T, seconds int) {
	t.Helper()
	old := cfg.Config.MessageBus.IdleCheckIntervalSeconds
	cfg.Config.MessageBus.IdleCheckIntervalSeconds = seconds
	t.Cleanup(func() {
		cfg.Config.MessageBus.IdleCheckIntervalSeconds = old
	})
}

func withStoreCapacity(t *testing.T, capacity int) {
	t.Helper()
	old := cfg.Config.MessageBus.StoreCapacity
	cfg.Config.MessageBus.StoreCapacity = capacity
	t.Cleanup(func() {
		cfg.Config.MessageBus.StoreCapacity = old
	})
}

func TestEngineSchedulesAndDelivers(t *testing.T) {
	topics := NewTopicRegistry(16)
	engine := NewEngine(topics, nil)
	defer engine.Close()

	topic := topics.GetOrAdd("t")
	topic.Store().Add(msg("t", "a"))
	topic.Store().Add(msg("t", "b"))

	c := newCollector()
	sub := NewSubscription("s1", c.callback, 100)
	sub.AddOrUpdateCursor("t", 0, topic)
	topic.AddSubscription(sub)

	engine.Schedule(sub)

	require.Eventually(t, func() bool {
		return len(c.payloads()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, c.payloads())
}

func TestEngineCoalescesBurstSchedules(t *testing.T) {
	topics := NewTopicRegistry(1024)
	engine := NewEngine(topics, nil)
	defer engine.Close()

	topic := topics.GetOrAdd("t")

	c := newCollector()
	sub := NewSubscription("s1", c.callback, 1000)
	sub.AddOrUpdateCursor("t", 0, topic)
	topic.AddSubscription(sub)

	for i := 0; i < 500; i++ {
		topic.Store().Add(msg("t", fmt.Sprintf("m%d", i)))
		engine.Schedule(sub)
	}

	require.Eventually(t, func() bool {
		return len(c.payloads()) == 500
	}, 5*time.Second, 10*time.Millisecond)

	// Every message exactly once, in order.
	payloads := c.payloads()
	for i, p := range payloads {
		require.Equal(t, fmt.Sprintf("m%d", i), p)
	}
}

func TestEngineWorkerBounds(t *testing.T) {
	topics := NewTopicRegistry(1024)
	engine := NewEngine(topics, nil)
	defer engine.Close()

	const subCount = 40

	var delivered atomic.Int64
	slow := func(result *MessageResult) *future.Future[bool] {
		time.Sleep(time.Millisecond)
		delivered.Add(int64(result.TotalCount))
		p := future.NewPromise[bool]()
		p.Set(true, nil)
		return p.Future()
	}

	subs := make([]*Subscription, 0, subCount)
	for i := 0; i < subCount; i++ {
		key := fmt.Sprintf("t%d", i)
		topic := topics.GetOrAdd(key)
		sub := NewSubscription(fmt.Sprintf("s%d", i), slow, 100)
		sub.AddOrUpdateCursor(key, 0, topic)
		topic.AddSubscription(sub)
		subs = append(subs, sub)
	}

	stop := make(chan struct{})
	violations := make(chan string, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			allocated := engine.AllocatedWorkers()
			busy := engine.BusyWorkers()
			if allocated > engine.maxWorkers {
				select {
				case violations <- fmt.Sprintf("allocated %d > max %d", allocated, engine.maxWorkers):
				default:
				}
			}
			if busy > allocated {
				select {
				case violations <- fmt.Sprintf("busy %d > allocated %d", busy, allocated):
				default:
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	const perTopic = 25
	for round := 0; round < perTopic; round++ {
		for i, sub := range subs {
			topics.GetOrAdd(fmt.Sprintf("t%d", i)).Store().Add(msg("t", "x"))
			engine.Schedule(sub)
		}
	}

	require.Eventually(t, func() bool {
		return delivered.Load() == int64(subCount*perTopic)
	}, 30*time.Second, 20*time.Millisecond)

	close(stop)
	select {
	case v := <-violations:
		t.Fatalf("worker invariant violated: %s", v)
	default:
	}
}

func TestEngineShrinksAfterBurst(t *testing.T) {
	withIdleCheckInterval(t, 1)

	topics := NewTopicRegistry(1024)
	engine := NewEngine(topics, nil)
	defer engine.Close()

	var delivered atomic.Int64
	slow := func(result *MessageResult) *future.Future[bool] {
		time.Sleep(time.Millisecond)
		delivered.Add(int64(result.TotalCount))
		p := future.NewPromise[bool]()
		p.Set(true, nil)
		return p.Future()
	}

	const subCount = 16
	subs := make([]*Subscription, 0, subCount)
	for i := 0; i < subCount; i++ {
		key := fmt.Sprintf("t%d", i)
		topic := topics.GetOrAdd(key)
		sub := NewSubscription(fmt.Sprintf("s%d", i), slow, 100)
		sub.AddOrUpdateCursor(key, 0, topic)
		topic.AddSubscription(sub)
		subs = append(subs, sub)
	}

	for round := 0; round < 10; round++ {
		for i, sub := range subs {
			topics.GetOrAdd(fmt.Sprintf("t%d", i)).Store().Add(msg("t", "x"))
			engine.Schedule(sub)
		}
	}

	require.Eventually(t, func() bool {
		return delivered.Load() == int64(subCount*10)
	}, 30*time.Second, 20*time.Millisecond)

	// Once the burst quiesces, poller wake-ups walk workers past the idle
	// check and the pool drains back toward the idle allowance.
	require.Eventually(t, func() bool {
		return engine.AllocatedWorkers() <= engine.maxIdleWorkers+1
	}, 15*time.Second, 100*time.Millisecond)
}

func TestEngineIdlePollerRecoversStrandedSubscription(t *testing.T) {
	withIdleCheckInterval(t, 1)

	topics := NewTopicRegistry(16)
	engine := NewEngine(topics, nil)
	defer engine.Close()

	topic := topics.GetOrAdd("t")
	topic.Store().Add(msg("t", "a"))

	c := newCollector()
	sub := NewSubscription("s1", c.callback, 100)
	sub.AddOrUpdateCursor("t", 0, topic)
	topic.AddSubscription(sub)

	// Nobody schedules the subscription; the poller must find it.
	require.Eventually(t, func() bool {
		return len(c.payloads()) == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEngineScheduleAfterCloseIsNoop(t *testing.T) {
	topics := NewTopicRegistry(16)
	engine := NewEngine(topics, nil)

	topic := topics.GetOrAdd("t")
	c := newCollector()
	sub := NewSubscription("s1", c.callback, 100)
	sub.AddOrUpdateCursor("t", 0, topic)

	engine.Close()

	topic.Store().Add(msg("t", "a"))
	engine.Schedule(sub)

	// The queued flag was released, not leaked.
	assert.True(t, sub.SetQueued())
	sub.UnsetQueued()
	assert.Empty(t, c.all())
}

func TestEngineCloseDrainsAndStopsWorkers(t *testing.T) {
	topics := NewTopicRegistry(16)
	engine := NewEngine(topics, nil)

	topic := topics.GetOrAdd("t")
	topic.Store().Add(msg("t", "a"))

	c := newCollector()
	sub := NewSubscription("s1", c.callback, 100)
	sub.AddOrUpdateCursor("t", 0, topic)
	topic.AddSubscription(sub)
	engine.Schedule(sub)

	require.Eventually(t, func() bool {
		return len(c.payloads()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	engine.Close()
	engine.Close() // idempotent

	assert.Equal(t, int64(0), engine.BusyWorkers())
	assert.Equal(t, int64(0), engine.AllocatedWorkers())
}
