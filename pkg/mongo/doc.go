// Package mongo provides MongoDB connection management for pushd workers.
//
// The document store is the only shared resource between pipeline workers and
// the scheduling collaborator: push records, messages, app credentials and
// delivery stats all live here. Connection setup is environment-driven and
// retried so that worker restarts survive transient database unavailability.
//
// Usage:
//
//	var cfg mongo.Config
//	config.MustLoad(&cfg)
//
//	db, err := mongo.NewWithDatabase(ctx, cfg)
//	if err != nil {
//		log.Error("mongo unavailable", "error", err)
//		os.Exit(1)
//	}
package mongo
