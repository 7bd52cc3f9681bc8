// Package push defines the domain model of the delivery pipeline: push
// records, messages with their lifecycle state, the result aggregation tree,
// the delivery error taxonomy and the platform registry.
//
// The types here are shared by every pipeline stage. A push record is one
// user/device/message delivery attempt; a message owns the aggregated result
// of all its pushes; frames are the tagged units that flow between stages.
// Platform-specific senders (see the fcm package) register themselves in the
// platform registry and communicate with the rest of the pipeline purely
// through these types.
package push
