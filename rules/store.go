package rules

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/lily-data/metapipe/cfg"
)

// Store is the persistent rule backend. Implementations must be safe
// for concurrent use.
type Store interface {
	// Find returns the stored rule for (tenantID, sourceID), or false
	// when none exists.
	Find(ctx context.Context, tenantID, sourceID string) (Rule, bool, error)
}

// MemoryStore is an in-process Store keyed by tenantID_sourceID.
type MemoryStore struct {
	rules *xsync.MapOf[string, Rule]
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules: xsync.NewMapOf[string, Rule](),
	}
}

// NewMemoryStoreFromConfig creates a store seeded with the statically
// configured rules.
func NewMemoryStoreFromConfig(static []cfg.StaticRule) *MemoryStore {
	store := NewMemoryStore()
	for _, sr := range static {
		priority := Priority(sr.Priority)
		if priority == "" {
			priority = PriorityLow
		}
		var config map[string]any
		if len(sr.EncryptFields) > 0 {
			config = map[string]any{"encryptFields": sr.EncryptFields}
		}
		store.Put(Rule{
			ID:                   sr.TenantID + "_" + sr.SourceID,
			TenantID:             sr.TenantID,
			SourceID:             sr.SourceID,
			SourceType:           sr.SourceType,
			AllowedInputFormats:  sr.AllowedInputFormats,
			AllowedOutputFormats: sr.AllowedOutputForms,
			RequiredFields:       sr.RequiredFields,
			PIIFields:            sr.PIIFields,
			Priority:             priority,
			BatchingAllowed:      sr.BatchingAllowed,
			MaxBatchSize:         sr.MaxBatchSize,
			UseGlobalDefaults:    sr.UseGlobalDefaults,
			Configuration:        config,
		})
	}
	return store
}

// Put stores or replaces a rule.
func (s *MemoryStore) Put(rule Rule) {
	s.rules.Store(rule.TenantID+"_"+rule.SourceID, rule)
}

// Find implements Store.
func (s *MemoryStore) Find(_ context.Context, tenantID, sourceID string) (Rule, bool, error) {
	rule, ok := s.rules.Load(tenantID + "_" + sourceID)
	return rule, ok, nil
}
