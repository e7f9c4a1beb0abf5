package rules

import "slices"

// Priority orders processing importance for a source.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// GlobalTenant owns fallback rules that tenant rules may merge with.
const GlobalTenant = "global"

// Rule is the effective processing configuration for a (tenant, source)
// pair. Resolved rules are immutable: merging produces a new rule and
// never mutates a stored one.
type Rule struct {
	ID                   string
	TenantID             string
	SourceID             string
	SourceType           string
	AllowedInputFormats  []string
	AllowedOutputFormats []string
	RequiredFields       []string
	PIIFields            []string
	Priority             Priority
	BatchingAllowed      bool
	MaxBatchSize         int
	UseGlobalDefaults    bool
	Configuration        map[string]any
}

// AllowsInputFormat reports whether the rule permits the given inbound
// payload format.
func (r Rule) AllowsInputFormat(format string) bool {
	return slices.Contains(r.AllowedInputFormats, format)
}

// EncryptFields returns the payload fields the rule marks for
// encryption, if any.
func (r Rule) EncryptFields() []string {
	raw, ok := r.Configuration["encryptFields"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		fields := make([]string, 0, len(v))
		for _, f := range v {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	}
	return nil
}

// Clone returns a deep copy safe to modify without touching the
// original.
func (r Rule) Clone() Rule {
	out := r
	out.AllowedInputFormats = slices.Clone(r.AllowedInputFormats)
	out.AllowedOutputFormats = slices.Clone(r.AllowedOutputFormats)
	out.RequiredFields = slices.Clone(r.RequiredFields)
	out.PIIFields = slices.Clone(r.PIIFields)
	if r.Configuration != nil {
		out.Configuration = make(map[string]any, len(r.Configuration))
		for k, v := range r.Configuration {
			out.Configuration[k] = v
		}
	}
	return out
}

// DefaultRule synthesizes the fallback rule used when no stored rule
// exists for a tenant.
func DefaultRule(tenantID string) Rule {
	return Rule{
		ID:                   tenantID + "_default",
		TenantID:             tenantID,
		SourceID:             "default",
		SourceType:           "INTERNAL",
		AllowedInputFormats:  []string{"json"},
		AllowedOutputFormats: []string{"json"},
		Priority:             PriorityLow,
		BatchingAllowed:      true,
		MaxBatchSize:         50,
	}
}
