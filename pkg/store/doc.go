// Package store is the PostgreSQL persistence layer.
//
// One Store wraps the connection pool and exposes typed operations per
// domain area: users, governance policies, approval requests and
// decisions, password reset tokens, service accounts and API keys,
// uploads, and jobs. Placeholders are PostgreSQL-style ($1, $2); the
// sqlite3 driver is wired in only for lightweight local development.
//
// Approval decisions run inside a transaction holding a row lock on the
// request, so two concurrent approvals cannot both cross the quorum
// threshold. The governance engine drives that through DecideApproval.
package store
