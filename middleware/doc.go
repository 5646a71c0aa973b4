// Package middleware adapts the engine to net/http: bearer extraction,
// identity propagation, and permission gates for routers like gorilla/mux.
package middleware
