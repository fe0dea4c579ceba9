package telemetry

import (
	"sync"
	"time"
)

// Counter names recognized by the message bus.
const (
	CounterMessagesPublishedTotal  = "MessageBusMessagesPublishedTotal"
	CounterMessagesPublishedPerSec = "MessageBusMessagesPublishedPerSec"
	CounterSubscribersTotal        = "MessageBusSubscribersTotal"
	CounterSubscribersCurrent      = "MessageBusSubscribersCurrent"
	CounterSubscribersPerSec       = "MessageBusSubscribersPerSec"
	CounterAllocatedWorkers        = "MessageBusAllocatedWorkers"
	CounterBusyWorkers             = "MessageBusBusyWorkers"
)

// ratePairs maps cumulative counters to the per-second counters derived from
// them by the sampler.
var ratePairs = [][2]string{
	{CounterMessagesPublishedTotal, CounterMessagesPublishedPerSec},
	{CounterSubscribersTotal, CounterSubscribersPerSec},
}

// RateSampler derives the *PerSec counters from their *Total counterparts by
// sampling once per interval and publishing the delta.
type RateSampler struct {
	sink     *Sink
	interval time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewRateSampler creates a sampler over the given sink. The conventional
// interval is one second.
func NewRateSampler(sink *Sink, interval time.Duration) *RateSampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &RateSampler{
		sink:     sink,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins sampling on a dedicated goroutine.
func (r *RateSampler) Start() {
	go r.loop()
}

// Stop halts sampling and waits for the sampling goroutine to exit.
// Idempotent.
func (r *RateSampler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

func (r *RateSampler) loop() {
	defer close(r.doneCh)

	last := make(map[string]int64, len(ratePairs))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			for _, pair := range ratePairs {
				total, _ := r.sink.counters.Load(pair[0])
				if total == nil {
					continue
				}
				current := total.raw()
				delta := current - last[pair[0]]
				last[pair[0]] = current
				r.sink.GetCounter(pair[1]).SafeSetRaw(delta)
			}
		}
	}
}
