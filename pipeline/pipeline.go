// Package pipeline orchestrates the per-event processing steps: rule
// resolution, format validation, normalization, schema validation,
// enrichment, CDC generation and outbound publishing.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lily-data/metapipe/cdc"
	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/enrich"
	"github.com/lily-data/metapipe/normalize"
	"github.com/lily-data/metapipe/rules"
	"github.com/lily-data/metapipe/telemetry"
)

// SchemaValidator checks an envelope against the rule's schema
// expectations. Implementations are external collaborators.
type SchemaValidator interface {
	IsValid(env common.Envelope, rule rules.Rule) bool
}

// Publisher sends a finished delta downstream.
type Publisher interface {
	Publish(eventID string, event cdc.Event) error
}

// Pipeline wires the processing steps together.
type Pipeline struct {
	resolver  *rules.Resolver
	registry  *normalize.Registry
	validator SchemaValidator
	enricher  *enrich.Enricher
	generator *cdc.Generator
	publisher Publisher
}

// New creates a pipeline from its collaborators.
func New(resolver *rules.Resolver, registry *normalize.Registry, validator SchemaValidator,
	enricher *enrich.Enricher, generator *cdc.Generator, publisher Publisher) *Pipeline {
	return &Pipeline{
		resolver:  resolver,
		registry:  registry,
		validator: validator,
		enricher:  enricher,
		generator: generator,
		publisher: publisher,
	}
}

// Process runs one event through all steps. A returned ValidationError
// is terminal; any other error is a transient fault the ingestion
// engine may retry.
func (p *Pipeline) Process(ctx context.Context, event common.InboundEvent) error {
	started := time.Now()
	defer func() {
		telemetry.PipelineDurationSeconds.Observe(time.Since(started).Seconds())
	}()

	tenant := common.TenantFrom(ctx)
	rule := p.resolver.Resolve(ctx, tenant, event.EventType)

	format := event.Format()
	if !rule.AllowsInputFormat(format) {
		telemetry.ValidationFailuresTotal.With("format").Inc()
		return common.Validationf(fmt.Sprintf(
			"format %q is not allowed for source %q", format, event.EventType))
	}

	env, err := p.registry.Normalize(event, format, rule)
	if err != nil {
		// No processor for a declared-allowed format is still terminal:
		// retrying cannot grow the registry.
		telemetry.ValidationFailuresTotal.With("format").Inc()
		return common.Validationf(fmt.Sprintf("normalize event %s: %v", event.EventID, err))
	}

	if !p.validator.IsValid(env, rule) {
		telemetry.ValidationFailuresTotal.With("schema").Inc()
		return common.Validationf(fmt.Sprintf(
			"schema is not valid for source %q", event.EventType))
	}

	env, err = p.enricher.Enrich(env, rule)
	if err != nil {
		return fmt.Errorf("enrich event %s: %w", event.EventID, err)
	}

	delta, err := p.generator.Diff(env)
	if err != nil {
		return fmt.Errorf("generate delta for event %s: %w", event.EventID, err)
	}

	if err := p.publisher.Publish(event.EventID, delta); err != nil {
		return fmt.Errorf("publish delta for event %s: %w", event.EventID, err)
	}

	log.Debug().
		Str("event_id", event.EventID).
		Str("op", delta.Operation).
		Int("version", delta.Version).
		Msg("Event processed")

	return nil
}
