// Package httputil provides shared request/response plumbing for the HTTP
// handlers.
//
// Responses are JSON throughout. Success helpers:
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, resource)
//	httputil.WriteNoContent(w)
//
// Error helpers write {"error": msg} bodies; WriteCodedError adds a stable
// machine-readable code and WriteLocked covers account lockout (423):
//
//	httputil.WriteBadRequest(w, "invalid JSON")
//	httputil.WriteCodedError(w, http.StatusForbidden, "INSUFFICIENT_PERMISSIONS", "admin role required")
//	httputil.WriteLocked(w, "ACCOUNT_LOCKED", "account locked until ...")
//
// Request parsing works against gorilla/mux path variables and query
// strings, with OrError variants that answer 400 and report whether the
// caller should continue:
//
//	var req createUserRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return
//	}
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	limit, err := httputil.ParseQueryInt(r, "limit", 50)
//
// Middleware covers the generic concerns every route shares (request IDs,
// request logging, panic recovery, CORS, timeouts, body-size caps); the
// authentication guard lives in pkg/middleware.
package httputil
