package common

import "context"

// DefaultTenant is assumed when ingress supplies no tenant identity.
const DefaultTenant = "default"

type tenantKey struct{}

// WithTenant returns a context carrying the tenant identity. The value
// is established once at ingress and travels explicitly through the
// request's call chain; reused workers never inherit it implicitly.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFrom extracts the tenant identity from ctx, falling back to
// DefaultTenant when none was established.
func TenantFrom(ctx context.Context) string {
	if t, ok := ctx.Value(tenantKey{}).(string); ok && t != "" {
		return t
	}
	return DefaultTenant
}
