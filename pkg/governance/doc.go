// Package governance implements approval-gated execution of sensitive
// actions.
//
// A Policy (stored in pkg/store) declares that an action type needs N
// approvals from users at or above a role floor. The Engine checks
// whether an action is gated and, when it is, records an approval request
// instead of running the action. The Workflow collects decisions: each
// approver may decide once, requesters cannot approve their own requests,
// and a single rejection is terminal. When the approval count reaches the
// policy's quorum the deferred action executes through the Registry.
//
// Quorum is evaluated inside the store's row-locked decision transaction,
// so concurrent approvals cannot both trigger execution.
package governance
