// Package store implements the pipeline's persistence boundary on MongoDB.
//
// Message, app and queued-push documents live in shared collections; device
// tokens and user documents live in per-app collections named after the app
// id. All pipeline writes that fan out per item are applied as grouped bulk
// operations to bound round trips.
package store
