// Package oidc verifies Cognito-issued tokens and links the identities
// they carry to local user accounts.
//
// Verification runs against the pool's published JWKS via OIDC discovery.
// Both token classes Cognito issues are accepted: ID tokens (audience
// checked against the app client id) and access tokens (client_id claim
// checked instead, since access tokens carry no audience). Every failure
// surfaces as the same opaque error so callers cannot probe which check
// tripped.
//
// The Linker resolves a verified identity to a local user: first by the
// stable subject, then by email (refusing to relink an email already bound
// to a different subject), and finally by provisioning a fresh least
// privilege account.
package oidc
