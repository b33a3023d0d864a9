package kafka

import (
	"fmt"
)

// Config holds the Kafka broker addresses shared by producers and consumer groups.
type Config struct {
	Brokers []string
}

// DefaultConfig points at a local single-broker setup.
var DefaultConfig Config = Config{
	Brokers: []string{"127.0.0.1:9093"},
}

var globalConfig Config = DefaultConfig

// Initialize sets the Kafka brokers globally.
func Initialize(config Config) error {
	if len(config.Brokers) == 0 {
		return fmt.Errorf("Can't initialize Kafka with no broker")
	}
	// Simple assignment of brokers. The next producer/consumer ctor call will then
	// start using the newly assigned brokers.
	globalConfig = config

	return nil
}

// IsInitialized returns true if Kafka brokers are set.
func IsInitialized() bool {
	return len(globalConfig.Brokers) > 0
}
