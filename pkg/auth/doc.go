// Package auth provides the identity core for ControlHub: user records,
// the ordered role model, local password credentials, JWT issuance for
// access and refresh tokens, server-side token revocation, and single-use
// password-reset / email-verification tokens.
//
// # Role model
//
// Roles form a strict total order: user < viewer < admin < superadmin.
// Every "minimum role" check compares integer levels, so requiring "admin"
// admits both admin and superadmin. Superadmin bypasses ordinary
// manage-target checks but is still subject to the disabled-account check.
//
// # Tokens
//
// Two token classes are issued: short-lived access tokens and longer-lived
// refresh tokens. Both are HS256 JWTs carrying the user id as subject, an
// origin-provider tag ("local" or "cognito"), a token_use discriminator and
// a unique jti. Revocation is a Redis denylist keyed by jti with a TTL of
// the token's remaining lifetime plus a safety margin. When Redis is
// unreachable the revocation check fails open: tokens are treated as not
// revoked. That is a deliberate availability-over-strictness tradeoff, not
// an oversight.
package auth
