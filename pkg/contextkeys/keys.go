// Package contextkeys provides centralized context key definitions
//
// All context keys used across the service are defined here so that packages
// which cannot import each other still agree on them.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/entityaudit/pkg/contextkeys"
//	ctx = contextkeys.WithPrincipal(ctx, "alice")
//	user := contextkeys.GetPrincipal(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains the authenticated user name
	// Set by: the authentication layer in front of the HTTP handlers
	// Used by: httputil.GetUserFromRequest, logger
	// Type: string
	PrincipalKey Key = "principal"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, error responses
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.LoggingMiddleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithPrincipal adds the authenticated user name to the context
func WithPrincipal(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, PrincipalKey, user)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetPrincipal retrieves the authenticated user name from context
func GetPrincipal(ctx context.Context) string {
	if user, ok := ctx.Value(PrincipalKey).(string); ok {
		return user
	}
	return ""
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
