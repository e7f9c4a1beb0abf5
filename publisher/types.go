package publisher

import "github.com/lily-data/metapipe/cdc"

// Sink represents a destination for CDC deltas (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a delta to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts CDC deltas to sink-specific formats
type Transformer interface {
	// Transform serializes a delta for publishing
	Transform(eventID string, event cdc.Event) ([]byte, error)
}
