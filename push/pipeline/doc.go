// Package pipeline composes the delivery stages for one sending run: the
// connector resolves and gates queued push records, the connection pool
// transmits them through platform senders, and the resultor reconciles
// result and error frames back into durable message state.
//
// One pipeline instance owns its shared send state and connection pool
// exclusively. Stages run as separate goroutines joined by bounded channels;
// within a stage, state mutation is single-writer, so the shared state needs
// no locking. The persisted message document is the only resource contended
// across workers and is guarded by optimistic state-filtered updates.
package pipeline
