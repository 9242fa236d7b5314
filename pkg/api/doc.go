// Package api exposes the HTTP surface of ControlHub: authentication and
// session endpoints, user administration, governance policies and approval
// decisions, service accounts and API keys, uploads, and jobs.
//
// Each handler group is a small struct wired against narrow interfaces so
// tests can substitute fakes for the store and services. NewServer assembles
// the full gorilla/mux router with the middleware chain and role tiers:
//
//	srv := api.NewServer(api.ServerConfig{
//		Store:    st,
//		Issuer:   issuer,
//		Engine:   engine,
//		Workflow: workflow,
//		// ...
//	})
//	http.ListenAndServe(addr, srv.Router())
//
// Route tiers: /auth/* endpoints are public (rate limited), everything else
// requires a resolved actor; reads under /admin need the viewer role and
// mutations need admin.
package api
