// busload is a load generator for the in-process message bus: it registers a
// swarm of subscribers, publishes across a set of topics and reports
// throughput and worker-pool behavior.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netdebug/signalr/cfg"
	"github.com/netdebug/signalr/telemetry"
)

func main() {
	topics := flag.Int("topics", 10, "Number of distinct topic keys")
	subscribers := flag.Int("subscribers", 50, "Number of subscribers (spread across topics)")
	messages := flag.Int("messages", 100000, "Total messages to publish")
	payloadSize := flag.Int("payload-size", 64, "Payload bytes per message")
	maxMessages := flag.Int("max-messages", 100, "Per-topic batch cap per delivery")
	callbackDelay := flag.Duration("callback-delay", 0, "Artificial delay inside each callback")
	settle := flag.Duration("settle", 2*time.Second, "How long to wait for deliveries to quiesce")
	flag.Parse()

	var writer io.Writer = zerolog.NewConsoleWriter()
	gLog := zerolog.New(writer).With().Timestamp().Logger()
	if *cfg.VerboseFlag {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Int("topics", *topics).
		Int("subscribers", *subscribers).
		Int("messages", *messages).
		Msg("busload starting")

	sink := telemetry.NewSink()
	sampler := telemetry.NewRateSampler(sink, time.Second)
	sampler.Start()
	defer sampler.Stop()

	run(runConfig{
		topics:        *topics,
		subscribers:   *subscribers,
		messages:      *messages,
		payloadSize:   *payloadSize,
		maxMessages:   *maxMessages,
		callbackDelay: *callbackDelay,
		settle:        *settle,
	}, sink)
}

func printSummary(r report) {
	fmt.Printf("\nbusload summary\n")
	fmt.Printf("  published:       %d\n", r.published)
	fmt.Printf("  delivered:       %d\n", r.delivered)
	fmt.Printf("  batches:         %d\n", r.batches)
	fmt.Printf("  publish wall:    %s\n", r.publishElapsed)
	fmt.Printf("  drain wall:      %s\n", r.drainElapsed)
	fmt.Printf("  publish rate:    %.0f msg/s\n", r.publishRate)
	fmt.Printf("  delivery rate:   %.0f msg/s\n", r.deliveryRate)
	fmt.Printf("  peak workers:    %d allocated / %d busy\n", r.peakAllocated, r.peakBusy)
	fmt.Printf("  final workers:   %d allocated\n", r.finalAllocated)
}

func init() {
	// Keep usage output in sync with the flags above.
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "busload - message bus load generator\n\nOptions:\n")
		flag.PrintDefaults()
	}
}
