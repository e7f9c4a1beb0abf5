package rules

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/telemetry"
)

// Resolver resolves the effective processing rule for a (tenant,
// source) pair, merging tenant overrides onto global defaults.
//
// Resolved rules are cached in a size- and age-bounded LRU; a rule
// change in the backing store is only observed after cache expiry or
// process restart. Concurrent resolutions for one uncached key share a
// single store lookup.
type Resolver struct {
	store    Store
	cache    *expirable.LRU[string, Rule]
	inflight *xsync.MapOf[string, *future.Future[Rule]]
}

// NewResolver creates a resolver backed by store, with a cache bounded
// to size entries and a ttl staleness window.
func NewResolver(store Store, size int, ttl time.Duration) *Resolver {
	return &Resolver{
		store:    store,
		cache:    expirable.NewLRU[string, Rule](size, nil, ttl),
		inflight: xsync.NewMapOf[string, *future.Future[Rule]](),
	}
}

// Resolve returns the effective rule for (tenantID, sourceID). It is
// total: every failure path falls back to a usable rule.
func (r *Resolver) Resolve(ctx context.Context, tenantID, sourceID string) Rule {
	key := tenantID + "_" + sourceID

	if rule, ok := r.cache.Get(key); ok {
		telemetry.RuleLookupsTotal.With("hit").Inc()
		return rule
	}
	telemetry.RuleLookupsTotal.With("miss").Inc()

	p := future.NewPromise[Rule]()
	if f, loaded := r.inflight.LoadOrStore(key, p.Future()); loaded {
		// Another resolution for this key is in flight; share its result.
		rule, _ := f.Get()
		return rule
	}

	rule := r.resolveUncached(ctx, tenantID, sourceID)
	r.cache.Add(key, rule)
	p.Set(rule, nil)
	r.inflight.Delete(key)

	return rule
}

func (r *Resolver) resolveUncached(ctx context.Context, tenantID, sourceID string) Rule {
	stored, ok, err := r.store.Find(ctx, tenantID, sourceID)
	if err != nil {
		log.Warn().Err(err).
			Str("tenant", tenantID).
			Str("source", sourceID).
			Msg("Rule store lookup failed, using default rule")
		telemetry.RuleDefaultsTotal.Inc()
		return DefaultRule(tenantID)
	}

	if !ok {
		telemetry.RuleDefaultsTotal.Inc()
		return DefaultRule(tenantID)
	}

	if stored.UseGlobalDefaults {
		return r.mergeWithGlobalDefaults(ctx, stored)
	}

	return stored
}

// mergeWithGlobalDefaults starts from the global rule for the same
// source and applies the tenant's configuration overrides on a copy.
// Only priority and maxBatchSize are override targets; every other
// field comes from the global rule.
func (r *Resolver) mergeWithGlobalDefaults(ctx context.Context, tenantRule Rule) Rule {
	global, ok, err := r.store.Find(ctx, GlobalTenant, tenantRule.SourceID)
	if err != nil || !ok {
		if err != nil {
			log.Warn().Err(err).Str("source", tenantRule.SourceID).Msg("Global rule lookup failed")
		}
		global = DefaultRule(GlobalTenant)
	}

	merged := global.Clone()
	applyOverrides(&merged, tenantRule.Configuration)
	return merged
}

func applyOverrides(rule *Rule, overrides map[string]any) {
	if overrides == nil {
		return
	}
	if p, ok := overrides["priority"].(string); ok {
		rule.Priority = Priority(p)
	}
	switch v := overrides["maxBatchSize"].(type) {
	case int:
		rule.MaxBatchSize = v
	case int64:
		rule.MaxBatchSize = int(v)
	case float64:
		rule.MaxBatchSize = int(v)
	}
}

// ValidateAccess gates administrative rule access: a tenant may only
// touch its own rules.
func ValidateAccess(requestingTenant, ruleTenant string) error {
	if requestingTenant != ruleTenant {
		return common.ErrAccessDenied
	}
	return nil
}
