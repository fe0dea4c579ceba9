package telemetry

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/netdebug/signalr/cfg"
)

// Counter is the write-only performance counter surface consumed by the bus.
// All operations are safe for concurrent use.
type Counter interface {
	SafeIncrement()
	SafeDecrement()
	SafeSetRaw(value int64)
}

// Provider hands out counters by name. Unknown names yield a working counter;
// the bus never needs to distinguish recognized from ad-hoc counters.
type Provider interface {
	GetCounter(name string) Counter
}

// NoopCounter discards all writes.
type NoopCounter struct{}

func (NoopCounter) SafeIncrement()   {}
func (NoopCounter) SafeDecrement()   {}
func (NoopCounter) SafeSetRaw(int64) {}

// NoopProvider hands out NoopCounter for every name.
type NoopProvider struct{}

func (NoopProvider) GetCounter(string) Counter { return NoopCounter{} }

// busCounter keeps an atomic mirror of the value so the rate sampler can read
// it back; the Counter interface stays write-only for consumers.
type busCounter struct {
	value atomic.Int64
	gauge prometheus.Gauge // nil when Prometheus is disabled
}

func (c *busCounter) SafeIncrement() {
	v := c.value.Add(1)
	if c.gauge != nil {
		c.gauge.Set(float64(v))
	}
}

func (c *busCounter) SafeDecrement() {
	v := c.value.Add(-1)
	if c.gauge != nil {
		c.gauge.Set(float64(v))
	}
}

func (c *busCounter) SafeSetRaw(value int64) {
	c.value.Store(value)
	if c.gauge != nil {
		c.gauge.Set(float64(value))
	}
}

func (c *busCounter) raw() int64 {
	return c.value.Load()
}

// Sink is the default Provider implementation. Counters are created lazily on
// first request and live for the lifetime of the sink. When Prometheus is
// enabled each counter is mirrored into a gauge in a private registry.
type Sink struct {
	counters *xsync.MapOf[string, *busCounter]
	registry *prometheus.Registry
}

// NewSink creates a counter sink. Prometheus mirroring is controlled by
// cfg.Config.Prometheus.Enabled, read once here.
func NewSink() *Sink {
	s := &Sink{
		counters: xsync.NewMapOf[string, *busCounter](),
	}

	if cfg.Config.Prometheus.Enabled {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		s.registry.MustRegister(collectors.NewGoCollector())
		log.Info().Msg("Prometheus metrics enabled for message bus counters")
	}

	return s
}

// GetCounter returns the counter registered under name, creating it on first
// use. Concurrent callers for the same name observe the same counter.
func (s *Sink) GetCounter(name string) Counter {
	c, _ := s.counters.LoadOrCompute(name, func() *busCounter {
		bc := &busCounter{}
		if s.registry != nil {
			bc.gauge = prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "signalr",
				Subsystem: "bus",
				Name:      snakeCase(name),
			})
			s.registry.MustRegister(bc.gauge)
		}
		return bc
	})
	return c
}

// MetricsHandler returns the HTTP handler for Prometheus metrics, or nil when
// Prometheus is disabled.
func (s *Sink) MetricsHandler() http.Handler {
	if s.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// snakeCase converts CamelCase counter names to prometheus-conventional
// snake_case (MessageBusBusyWorkers -> message_bus_busy_workers).
func snakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
