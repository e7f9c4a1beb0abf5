package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lily-data/metapipe/cdc"
	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/enrich"
	"github.com/lily-data/metapipe/normalize"
	"github.com/lily-data/metapipe/rules"
)

// recordingPublisher records every published delta.
type recordingPublisher struct {
	mu     sync.Mutex
	deltas []cdc.Event
	err    error
}

func (p *recordingPublisher) Publish(eventID string, event cdc.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.deltas = append(p.deltas, event)
	return nil
}

func (p *recordingPublisher) published() []cdc.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]cdc.Event, len(p.deltas))
	copy(out, p.deltas)
	return out
}

// rejectAllValidator fails every schema check.
type rejectAllValidator struct{}

func (rejectAllValidator) IsValid(common.Envelope, rules.Rule) bool { return false }

func newTestPipeline(t *testing.T, store *rules.MemoryStore, validator SchemaValidator) (*Pipeline, *recordingPublisher) {
	t.Helper()
	gen, err := cdc.NewGenerator(64)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	if validator == nil {
		validator = RequiredFieldsValidator{}
	}
	p := New(
		rules.NewResolver(store, 16, time.Minute),
		normalize.NewRegistry(),
		validator,
		enrich.NewEnricher(nil),
		gen,
		pub,
	)
	return p, pub
}

func event(id string, payload map[string]any) common.InboundEvent {
	return common.InboundEvent{
		EventID:   id,
		EventType: "orders",
		Payload:   payload,
		Metadata:  map[string]any{"tenantId": "acme", "format": "json"},
	}
}

func TestProcess_HappyPathPublishesDelta(t *testing.T) {
	store := rules.NewMemoryStore()
	store.Put(rules.Rule{
		TenantID:            "acme",
		SourceID:            "orders",
		AllowedInputFormats: []string{"json"},
	})
	p, pub := newTestPipeline(t, store, nil)

	ctx := common.WithTenant(context.Background(), "acme")
	err := p.Process(ctx, event("evt-1", map[string]any{
		"table":           "orders",
		"primaryKeyValue": "42",
		"status":          "shipped",
	}))
	require.NoError(t, err)

	deltas := pub.published()
	require.Len(t, deltas, 1)
	assert.Equal(t, cdc.OpInsert, deltas[0].Operation)
	assert.Equal(t, "orders", deltas[0].Table)
	assert.Equal(t, "shipped", deltas[0].After["status"])
}

func TestProcess_DisallowedFormatIsTerminal(t *testing.T) {
	store := rules.NewMemoryStore()
	store.Put(rules.Rule{
		TenantID:            "acme",
		SourceID:            "orders",
		AllowedInputFormats: []string{"json"},
	})
	p, pub := newTestPipeline(t, store, nil)

	evt := event("evt-1", map[string]any{"status": "shipped"})
	evt.Metadata["format"] = "csv"

	ctx := common.WithTenant(context.Background(), "acme")
	err := p.Process(ctx, evt)

	require.Error(t, err)
	assert.True(t, common.IsValidation(err), "format rejection must not be retried")
	assert.Empty(t, pub.published(), "rejected event must never reach the publisher")
}

func TestProcess_UnknownSourceUsesDefaultRule(t *testing.T) {
	// No stored rule: the synthesized default allows only json.
	p, pub := newTestPipeline(t, rules.NewMemoryStore(), nil)

	ctx := common.WithTenant(context.Background(), "acme")
	err := p.Process(ctx, event("evt-1", map[string]any{"name": "orders"}))
	require.NoError(t, err)
	assert.Len(t, pub.published(), 1)
}

func TestProcess_SchemaFailureIsTerminal(t *testing.T) {
	store := rules.NewMemoryStore()
	store.Put(rules.Rule{
		TenantID:            "acme",
		SourceID:            "orders",
		AllowedInputFormats: []string{"json"},
	})
	p, pub := newTestPipeline(t, store, rejectAllValidator{})

	ctx := common.WithTenant(context.Background(), "acme")
	err := p.Process(ctx, event("evt-1", map[string]any{"status": "shipped"}))

	require.Error(t, err)
	assert.True(t, common.IsValidation(err))
	assert.Empty(t, pub.published())
}

func TestProcess_PublishFailureIsRetryable(t *testing.T) {
	p, pub := newTestPipeline(t, rules.NewMemoryStore(), nil)
	pub.err = assert.AnError

	ctx := common.WithTenant(context.Background(), "acme")
	err := p.Process(ctx, event("evt-1", map[string]any{"name": "orders"}))

	require.Error(t, err)
	assert.False(t, common.IsValidation(err), "transient faults stay retryable")
}

func TestRequiredFieldsValidator(t *testing.T) {
	rule := rules.Rule{RequiredFields: []string{"table", "primaryKeyValue"}}
	v := RequiredFieldsValidator{}

	valid := common.Envelope{Payload: map[string]any{"table": "t", "primaryKeyValue": "42"}}
	assert.True(t, v.IsValid(valid, rule))

	missing := common.Envelope{Payload: map[string]any{"table": "t"}}
	assert.False(t, v.IsValid(missing, rule))

	assert.True(t, v.IsValid(missing, rules.Rule{}), "no required fields means always valid")
}
