package bus

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netdebug/signalr/cfg"
	"github.com/netdebug/signalr/telemetry"
)

// Engine schedules subscription pumps across a bounded, adaptive pool of
// workers. Ready subscriptions sit in a single FIFO guarded by a mutex and
// condition variable. The pool grows only when every existing worker is busy
// and shrinks when too many workers sit idle, giving quick ramp-up under
// burst load and a bounded steady-state footprint.
type Engine struct {
	topics *TopicRegistry

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Subscription
	closed bool

	allocated atomic.Int64 // workers currently existing
	busy      atomic.Int64 // workers currently executing a pump
	checking  atomic.Int32 // single-flight guard for the idle poller

	maxWorkers     int64
	maxIdleWorkers int64
	idleCheck      time.Duration

	pollerStop chan struct{}
	pollerDone chan struct{}
	closeOnce  sync.Once
	workers    sync.WaitGroup

	allocatedCounter telemetry.Counter
	busyCounter      telemetry.Counter
}

// NewEngine creates an engine over the given topic registry. Tunables are
// read once from the global configuration: the worker ceiling is
// max_workers_per_core * CPU count, the idle allowance is
// max_idle_workers_per_core * CPU count, and the stranded-subscription poller
// fires every idle_check_interval_seconds.
func NewEngine(topics *TopicRegistry, counters telemetry.Provider) *Engine {
	if counters == nil {
		counters = telemetry.NoopProvider{}
	}

	cpus := int64(runtime.NumCPU())
	e := &Engine{
		topics:         topics,
		maxWorkers:     int64(cfg.Config.MessageBus.MaxWorkersPerCore) * cpus,
		maxIdleWorkers: int64(cfg.Config.MessageBus.MaxIdleWorkersPerCore) * cpus,
		idleCheck:      time.Duration(cfg.Config.MessageBus.IdleCheckIntervalSeconds) * time.Second,
		pollerStop:     make(chan struct{}),
		pollerDone:     make(chan struct{}),

		allocatedCounter: counters.GetCounter(telemetry.CounterAllocatedWorkers),
		busyCounter:      counters.GetCounter(telemetry.CounterBusyWorkers),
	}
	e.cond = sync.NewCond(&e.mu)

	go e.pollerLoop()

	log.Debug().
		Int64("max_workers", e.maxWorkers).
		Int64("max_idle_workers", e.maxIdleWorkers).
		Dur("idle_check_interval", e.idleCheck).
		Msg("Message bus engine started")

	return e
}

// AllocatedWorkers returns the number of workers currently existing.
func (e *Engine) AllocatedWorkers() int64 {
	return e.allocated.Load()
}

// BusyWorkers returns the number of workers currently executing a pump.
func (e *Engine) BusyWorkers() int64 {
	return e.busy.Load()
}

// Schedule marks a subscription ready. The queued flag collapses bursts of
// schedule requests into one FIFO entry: only the caller that wins the 0->1
// transition enqueues, everyone else relies on the in-flight or upcoming
// pump observing the new messages. Scheduling on a closed engine is a no-op.
func (e *Engine) Schedule(s *Subscription) {
	if s.Disposed() {
		return
	}
	if !s.SetQueued() {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		s.UnsetQueued()
		return
	}
	e.queue = append(e.queue, s)
	e.mu.Unlock()

	e.cond.Signal()
	e.addWorker()
}

// addWorker spawns a new worker iff the pool is below its ceiling and every
// existing worker is busy.
func (e *Engine) addWorker() {
	for {
		allocated := e.allocated.Load()
		if allocated >= e.maxWorkers || allocated != e.busy.Load() {
			return
		}
		if e.allocated.CompareAndSwap(allocated, allocated+1) {
			e.mu.Lock()
			closed := e.closed
			if !closed {
				e.workers.Add(1)
			}
			e.mu.Unlock()
			if closed {
				e.retireWorker()
				return
			}
			e.allocatedCounter.SafeSetRaw(allocated + 1)
			go e.pump()
			return
		}
	}
}

// retireWorker decrements allocated exactly once for an exiting worker.
func (e *Engine) retireWorker() {
	n := e.allocated.Add(-1)
	if n < 0 {
		// Programmer bug; clamp and carry on.
		log.Warn().Int64("allocated", n).Msg("Allocated worker count went negative, clamping")
		e.allocated.Store(0)
		n = 0
	}
	e.allocatedCounter.SafeSetRaw(n)
}

// pump is the worker body: dequeue a subscription, run its pump, hand off and
// repeat. Workers in excess of the idle allowance retire at the top of the
// loop; the rest park on the condition variable until signaled.
func (e *Engine) pump() {
	defer e.workers.Done()

	for {
		if e.allocated.Load()-e.busy.Load() > e.maxIdleWorkers {
			e.retireWorker()
			return
		}

		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed && len(e.queue) == 0 {
			e.mu.Unlock()
			e.retireWorker()
			return
		}
		sub := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.setBusy()
		_, err := sub.WorkAsync(e.topics).Get()

		// Clearing queued after the pump is the race-free handoff: any
		// publish that saw queued=1 during the pump was coalesced into this
		// run; any publish from here on re-queues. The idle poller covers
		// the narrow window in between.
		sub.UnsetQueued()
		e.unsetBusy()

		if err != nil {
			log.Info().
				Err(err).
				Str("subscription", sub.Identity()).
				Msg("Subscription callback fault, continuing")
		}
	}
}

func (e *Engine) setBusy() {
	e.busyCounter.SafeSetRaw(e.busy.Add(1))
}

func (e *Engine) unsetBusy() {
	n := e.busy.Add(-1)
	if n < 0 {
		log.Warn().Int64("busy", n).Msg("Busy worker count went negative, clamping")
		e.busy.Store(0)
		n = 0
	}
	e.busyCounter.SafeSetRaw(n)
}

// pollerLoop periodically re-schedules every subscription of every topic.
// This recovers subscriptions whose queued flag was cleared in the window
// after a publish checked it but before new messages became visible, and
// catches subscribers that joined mid-publish. It runs on its own goroutine,
// never on a worker.
func (e *Engine) pollerLoop() {
	defer close(e.pollerDone)

	ticker := time.NewTicker(e.idleCheck)
	defer ticker.Stop()

	for {
		select {
		case <-e.pollerStop:
			return
		case <-ticker.C:
			e.checkWork()
		}
	}
}

// checkWork walks all topics and schedules their subscriptions, guarded so
// only one sweep runs at a time.
func (e *Engine) checkWork() {
	if !e.checking.CompareAndSwap(0, 1) {
		return
	}
	defer e.checking.Store(0)

	e.topics.Range(func(_ string, t *Topic) bool {
		for _, sub := range t.Subscriptions() {
			e.Schedule(sub)
		}
		return true
	})
}

// Close stops the idle poller, wakes every parked worker and lets the pool
// drain out. Queued subscriptions are still pumped before workers exit.
// Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.pollerStop)
		<-e.pollerDone

		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.cond.Broadcast()
		e.workers.Wait()
	})
}
