// Package middleware provides the HTTP middleware chain: actor
// resolution (API key, local JWT, or Cognito token), role enforcement,
// and rate limiting (in-memory or Redis-backed).
package middleware
