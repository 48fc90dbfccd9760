// Package auth provides bearer-token authentication for coven-locker's
// authoring surface.
//
// Passkey ceremonies authenticate readers; this package authenticates the
// people and tools that create and remove containers. They present an HS256
// JWT signed with the configured auth.jwt_secret:
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("ops", []string{auth.RoleAuthor}, 24*time.Hour)
//
// Tokens carry:
//   - sub: who the holder is, recorded as the actor in the audit log
//   - roles: "admin" or "author"
//   - exp: required; tokens without an expiry are rejected
//
// # HTTP Middleware
//
//	mux.Handle("PUT /api/admin/containers/{id}",
//	    auth.HTTPAuthMiddleware(verifier)(auth.RequireRole(auth.RoleAdmin, auth.RoleAuthor)(h)))
//
// Handlers read the verified claims with FromContext.
package auth
