// Package audit records who did what to which resource across the service.
//
// Every security-relevant operation emits an Event: logins and lockouts,
// SSO identity linking, role changes, governance decisions, deferred action
// execution, service account key activity. Events carry the acting
// identity, a dotted action code, the target resource, and free-form
// details.
//
// Sinks are pluggable. DBLogger writes to PostgreSQL and backs the search
// and export endpoints; FileLogger appends newline-delimited JSON for
// shipping to external collectors; MultiLogger fans out to several sinks
// at once. Audit writes are best effort: a failed write is surfaced to the
// caller's log but never fails the audited operation.
package audit
