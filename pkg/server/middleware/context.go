package middleware

// contextKey is a private type for request-scoped context values.
type contextKey string

const (
	// RequestIDKey holds the request correlation id.
	RequestIDKey contextKey = "request_id"
)
