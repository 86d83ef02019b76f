// Package workerdev runs a fetch-style worker handler inside an ordinary Go
// HTTP server during development.
//
// A DevServer is installed as middleware in front of the host's own handler
// (usually a static file server). For each request it decides whether the
// path is excluded, reloads the entry module, snapshots the emulated
// bindings, invokes the module's default fetch handler and writes its
// response, appending the live-reload client script to HTML documents.
// Excluded paths and entry modules without a default handler fall through to
// the next handler.
package workerdev
