package store

import "context"

type projectScopeContextKey struct{}

var projectScopeKey = projectScopeContextKey{}

// WithProjectScope attaches the requesting project (tenant) id to ctx. The
// transport layer calls this once per request after header validation has
// already confirmed the project id is well-formed; this package does not
// re-validate or substitute a default, unlike a context key meant to survive
// malformed input — a malformed project never reaches here because the HTTP
// layer rejects it with 400 first.
func WithProjectScope(ctx context.Context, project string) context.Context {
	return context.WithValue(ctx, projectScopeKey, project)
}

// ProjectFromContext returns the project id attached by WithProjectScope, or
// "" if none was attached.
func ProjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	project, _ := ctx.Value(projectScopeKey).(string)
	return project
}
