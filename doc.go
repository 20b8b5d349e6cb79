// Package extprocmux provides tools to multiplex many short request/response
// exchanges ("transactions") onto long-lived Envoy external processor
// streams: carrying a sequence of ext_proc transactions over one reused gRPC
// stream instead of paying stream establishment for each one.
//
// The client side is a Multiplexer. It owns a set of stream handles, picks the
// handle that carries each transaction according to a ReusePolicy, correlates
// the responses that arrive on a stream back to the transaction and request
// that caused them, and rotates handles once a policy's limit is reached.
// Callers that lose interest in a transaction can abort it; the transaction's
// owed responses are still consumed (and discarded) so that the stream stays
// synchronized for the next transaction it carries.
//
// The server side is a Server (or ServeStream, for a single stream). It detects
// transaction boundaries on an incoming stream, dispatches each request to a
// ResponseProducer and writes the answers back in request order. The server
// has no notion of reuse: it serves as many transactions on a stream as the
// client sends.
package extprocmux
