package publisher

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lily-data/metapipe/cdc"
	"github.com/lily-data/metapipe/cfg"
	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/telemetry"
)

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}

// output is one configured sink with its transformer and topic routing.
type output struct {
	name        string
	sink        Sink
	transformer Transformer
	topic       string
	topicPrefix string
}

func (o *output) buildTopic(table string) string {
	if o.topic != "" {
		return o.topic
	}
	if o.topicPrefix == "" {
		return table
	}
	return fmt.Sprintf("%s.%s", o.topicPrefix, table)
}

// Registry fans each CDC delta out to every configured sink, keyed by
// the entity's primary-key value so deltas for one entity route to the
// same downstream ordering unit.
type Registry struct {
	outputs []*output
	mu      sync.Mutex
}

// NewRegistry creates sinks and transformers for each configuration.
func NewRegistry(configs []cfg.SinkConfiguration) (*Registry, error) {
	registry := &Registry{}

	for _, sinkCfg := range configs {
		if err := registry.AddSink(sinkCfg); err != nil {
			registry.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("sinks", len(registry.outputs)).Msg("CDC publisher registry initialized")
	return registry, nil
}

// AddSink creates and adds a new output for the given configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	r.outputs = append(r.outputs, &output{
		name:        config.Name,
		sink:        snk,
		transformer: trans,
		topic:       config.Topic,
		topicPrefix: config.TopicPrefix,
	})

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added CDC sink")

	return nil
}

// Publish sends the delta to every sink. The first failure is returned
// (and retried by the ingestion engine); sinks already written to will
// receive the delta again on retry, an accepted at-least-once effect.
func (r *Registry) Publish(eventID string, event cdc.Event) error {
	key := event.PrimaryKeyValue
	if key == "" {
		key = common.UnknownValue
	}

	for _, out := range r.outputs {
		data, err := out.transformer.Transform(eventID, event)
		if err != nil {
			return fmt.Errorf("transform delta for sink %s: %w", out.name, err)
		}

		topic := out.buildTopic(event.Table)
		started := time.Now()
		if err := out.sink.Publish(topic, key, data); err != nil {
			telemetry.PublishFailuresTotal.With(out.name).Inc()
			return fmt.Errorf("publish to sink %s: %w", out.name, err)
		}
		telemetry.PublishDurationSeconds.With(out.name).Observe(time.Since(started).Seconds())
	}

	return nil
}

// Close closes all sinks.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, out := range r.outputs {
		if err := out.sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", out.name).Msg("Failed to close sink")
		}
	}
	r.outputs = nil
}
