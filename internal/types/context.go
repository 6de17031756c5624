package types

import "context"

// Context keys
type contextKey string

const tenantTagKey contextKey = "tenant_tag"

// WithTenantTag stores the tenant tag in the context. The tag is ambient
// per-scope state: it applies to the call chain derived from this context
// and never leaks into sibling scopes.
func WithTenantTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, tenantTagKey, tag)
}

// TenantTagFromContext retrieves the tenant tag from the context.
// Returns empty string and false if no tag has been set.
func TenantTagFromContext(ctx context.Context) (string, bool) {
	tag, ok := ctx.Value(tenantTagKey).(string)
	return tag, ok && tag != ""
}
