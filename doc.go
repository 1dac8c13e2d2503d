// Package hio provides a single-threaded, cooperative asynchronous I/O
// runtime: an event loop that multiplexes sockets, child processes, worker
// threads and timers behind a common device abstraction, plus a registry of
// long-lived services built on top of it.
//
// Everything in this package runs on one goroutine (the "loop goroutine").
// Device callbacks, timer handlers and service callbacks never block and
// never run concurrently with each other; cross-goroutine interaction is
// confined to Submit (posting work onto the loop) and the
// thread device's pipe pair (talking to a worker goroutine).
//
// Package hio/htrd implements the incremental HTTP request/response
// decoder used by package hio/htts, which implements the embeddable HTTP
// server built on top of the loop.
package hio
