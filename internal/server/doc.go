// Package server hosts the Fiber HTTP front end of the fetch service: the
// request-ID middleware, the /fetch endpoint that drives a transaction
// through the cache, and the header plumbing between fasthttp and the
// transaction layer. Diagnostics routes live in server/routes.
package server
