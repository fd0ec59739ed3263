// Package http is the HTTP transport of the broker.
//
// Every request under the base path is normalized into a RequestEvent,
// dispatched and written back as a JSON envelope:
//
//	POST /resource/get        {token}                -> {success, result:{config, authToken}}
//	POST /<resource>/<action> Authorization: Bearer  -> {success, result} | {success:false, message, error}
//
// # Middleware Chain
//
// Requests pass through middleware in this order (outermost first):
//
//  1. MetricsMiddleware - request count and duration
//  2. RequestIDMiddleware - X-Request-ID and a request-scoped logger
//  3. RealIPMiddleware - client IP from X-Forwarded-For / X-Real-IP
//  4. CORSMiddleware - origin allowlist and preflight
//  5. RateLimitMiddleware - per-IP limit (optional)
//
// The transport also serves /health, /metrics, the WebSocket upgrade path
// and, when a broadcast key is configured, POST /_internal/broadcast.
package http
