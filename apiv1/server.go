package apiv1

import (
	"net/http"

	"darlinggo.co/trout"
)

// Server returns the API's handler, with every route mounted under prefix.
// Unsupported methods get trout's 405 response, with an Allow header listing
// the methods registered for the endpoint.
func (a APIv1) Server(prefix string) http.Handler {
	var router trout.Router
	router.SetPrefix(prefix)

	router.Endpoint("/grants").Methods("GET").Handler(a.withLogger(http.HandlerFunc(a.handleGetGrants)))
	router.Endpoint("/grants").Methods("POST").Handler(a.withLogger(http.HandlerFunc(a.handlePostGrants)))
	router.Endpoint("/grants/context").Methods("GET").Handler(a.withLogger(http.HandlerFunc(a.handleContext)))
	router.Endpoint("/sync").Methods("GET").Handler(a.withLogger(http.HandlerFunc(a.handleGetSync)))
	router.Endpoint("/sync").Methods("POST").Handler(a.withLogger(http.HandlerFunc(a.handlePostSync)))

	return router
}
