// Package server hosts the Fiber HTTP service, the request middleware chain and
// the hub registry that maps the Host header of an incoming request to the
// upstream hub it mirrors. Paths under /-/ bypass host routing and are served
// by the diagnostics routes registered in server/routes.
package server
