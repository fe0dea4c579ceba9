package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// MessageBusConfiguration controls the in-process bus core
type MessageBusConfiguration struct {
	StoreCapacity            int `toml:"store_capacity"`              // Ring buffer slots per topic
	MaxWorkersPerCore        int `toml:"max_workers_per_core"`        // Worker ceiling = this * CPU count
	MaxIdleWorkersPerCore    int `toml:"max_idle_workers_per_core"`   // Idle workers above this * CPU count retire
	IdleCheckIntervalSeconds int `toml:"idle_check_interval_seconds"` // Poller period for stranded subscriptions
}

// PrometheusConfiguration controls the metrics endpoint
type PrometheusConfiguration struct {
	Enabled bool `toml:"enable"`
}

// Configuration is the root config object
type Configuration struct {
	Verbose bool `toml:"verbose"`

	MessageBus MessageBusConfiguration `toml:"message_bus"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

var ConfigPathFlag = flag.String("config", "", "Path to TOML configuration file")
var VerboseFlag = flag.Bool("verbose", false, "Enable debug logging")

// Config is the global configuration, initialized to defaults.
var Config = &Configuration{
	Verbose: false,

	MessageBus: MessageBusConfiguration{
		StoreCapacity:            5000,
		MaxWorkersPerCore:        3,
		MaxIdleWorkersPerCore:    1,
		IdleCheckIntervalSeconds: 5,
	},

	Prometheus: PrometheusConfiguration{
		Enabled: false,
	},
}

// Load reads configuration from the given TOML file, overlaying the defaults.
// A missing path leaves the defaults in place.
func Load(path string) error {
	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("Config file not found, using defaults")
		return nil
	}

	if _, err := toml.DecodeFile(path, Config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if *VerboseFlag {
		Config.Verbose = true
	}

	return nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.MessageBus.StoreCapacity < 1 {
		return fmt.Errorf("message store capacity must be >= 1")
	}

	if Config.MessageBus.MaxWorkersPerCore < 1 {
		return fmt.Errorf("max workers per core must be >= 1")
	}

	if Config.MessageBus.MaxIdleWorkersPerCore < 0 {
		return fmt.Errorf("max idle workers per core must be >= 0")
	}

	if Config.MessageBus.MaxIdleWorkersPerCore > Config.MessageBus.MaxWorkersPerCore {
		return fmt.Errorf("max idle workers cannot exceed max workers")
	}

	if Config.MessageBus.IdleCheckIntervalSeconds < 1 {
		return fmt.Errorf("idle check interval must be >= 1 second")
	}

	return nil
}
