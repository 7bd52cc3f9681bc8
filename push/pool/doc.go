// Package pool manages the bounded set of live provider connections for one
// pipeline worker.
//
// Connections are keyed by credentials hash, platform and token field; at
// most one connection exists per key and the total is capped. A full pool is
// a backpressure valve, not an error: the connector defers the push to a
// future run rather than buffering unboundedly. Each connection runs a
// worker goroutine that batches pushes per message and forwards the sender's
// result and error frames downstream.
package pool
