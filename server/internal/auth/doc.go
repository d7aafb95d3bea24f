// Package auth authenticates agents calling the EventService.
//
// Interceptor(cfg) picks the gRPC UnaryServerInterceptor for cfg.Mode:
//
//   - "apikey": APIKeyInterceptor compares the named metadata header against
//     the configured key.
//   - "jwt": JWTInterceptor verifies the HS256 bearer token in the
//     "authorization" header and stores its subject in the context
//     (SubjectFromContext). Agents sign a fresh token per request with
//     subject "machine-<id>".
//   - "none": every call passes.
//
// Failures return codes.Unauthenticated.
package auth
