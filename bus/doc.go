// Package bus provides asynchronous message delivery between the agents of
// the coordination core: publish/subscribe fan-out by message type, and
// correlated request/response built on top of it.
//
// Two implementations are provided. MemoryBus delivers in-process and is the
// default for a single-process brain. NATSBus carries the same interface over
// a NATS connection for multi-process deployments.
//
// Request/response correlation uses the request message ID: a response
// carries it back as its correlation ID, and exactly one outcome (response,
// timeout, cancellation, or shutdown) resolves each pending request. A
// background sweep expires pending entries whose deadline has passed, so the
// pending table cannot leak even when a consumer never answers.
package bus
