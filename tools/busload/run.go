package main

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/netdebug/signalr/bus"
	"github.com/netdebug/signalr/telemetry"
)

type runConfig struct {
	topics        int
	subscribers   int
	messages      int
	payloadSize   int
	maxMessages   int
	callbackDelay time.Duration
	settle        time.Duration
}

type report struct {
	published      int64
	delivered      int64
	batches        int64
	publishElapsed time.Duration
	drainElapsed   time.Duration
	publishRate    float64
	deliveryRate   float64
	peakAllocated  int64
	peakBusy       int64
	finalAllocated int64
}

func run(rc runConfig, sink telemetry.Provider) {
	b := bus.NewMessageBus(sink)
	defer b.Close()

	var delivered, batches atomic.Int64

	registrations := make([]*bus.Registration, 0, rc.subscribers)
	for i := 0; i < rc.subscribers; i++ {
		key := topicKey(i % rc.topics)
		subscriber := bus.NewLocalSubscriber(key)

		// Topics are fresh in this process, so id 0 is the current position.
		cursor := bus.EncodeCursors([]bus.Cursor{{Key: key, ID: 0}})

		delay := rc.callbackDelay
		reg, err := b.Subscribe(subscriber, cursor, func(result *bus.MessageResult) *future.Future[bool] {
			if delay > 0 {
				time.Sleep(delay)
			}
			delivered.Add(int64(result.TotalCount))
			batches.Add(1)
			return bus.Continue()
		}, rc.maxMessages)
		if err != nil {
			log.Fatal().Err(err).Msg("Subscribe failed")
		}
		registrations = append(registrations, reg)
	}

	// Track worker peaks while the run is hot.
	var peakAllocated, peakBusy atomic.Int64
	peakStop := make(chan struct{})
	var peakWG sync.WaitGroup
	peakWG.Add(1)
	go func() {
		defer peakWG.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-peakStop:
				return
			case <-ticker.C:
				if a := b.AllocatedWorkers(); a > peakAllocated.Load() {
					peakAllocated.Store(a)
				}
				if busy := b.BusyWorkers(); busy > peakBusy.Load() {
					peakBusy.Store(busy)
				}
			}
		}
	}()

	payload := make([]byte, rc.payloadSize)
	rand.Read(payload)

	publishStart := time.Now()
	for i := 0; i < rc.messages; i++ {
		b.Publish(bus.Message{Key: topicKey(i % rc.topics), Value: payload})
	}
	publishElapsed := time.Since(publishStart)

	// Wait for deliveries to quiesce: no progress for a settle window.
	drainStart := time.Now()
	lastCount := delivered.Load()
	lastProgress := time.Now()
	for time.Since(lastProgress) < rc.settle {
		time.Sleep(50 * time.Millisecond)
		if current := delivered.Load(); current != lastCount {
			lastCount = current
			lastProgress = time.Now()
		}
	}
	drainElapsed := time.Since(drainStart) - rc.settle
	if drainElapsed < 0 {
		drainElapsed = 0
	}

	close(peakStop)
	peakWG.Wait()

	for _, reg := range registrations {
		reg.Unsubscribe()
	}

	r := report{
		published:      int64(rc.messages),
		delivered:      delivered.Load(),
		batches:        batches.Load(),
		publishElapsed: publishElapsed,
		drainElapsed:   drainElapsed,
		peakAllocated:  peakAllocated.Load(),
		peakBusy:       peakBusy.Load(),
		finalAllocated: b.AllocatedWorkers(),
	}
	if secs := publishElapsed.Seconds(); secs > 0 {
		r.publishRate = float64(r.published) / secs
	}
	if secs := (publishElapsed + drainElapsed).Seconds(); secs > 0 {
		r.deliveryRate = float64(r.delivered) / secs
	}
	printSummary(r)
}

func topicKey(i int) string {
	return fmt.Sprintf("load-topic-%d", i)
}
