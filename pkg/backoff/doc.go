// Package backoff provides retry delay strategies for provider
// communication.
//
// Platform senders retry connection-class failures (provider 5xx, transport
// resets, proxy errors) a bounded number of times; the delay between
// attempts comes from a Strategy so that tests can plug in deterministic
// timing while production uses jittered exponential growth.
package backoff
