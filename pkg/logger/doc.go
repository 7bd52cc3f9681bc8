// Package logger builds slog loggers for pushd processes.
//
// Output defaults to JSON at INFO level so that production workers feed log
// aggregation directly; text format is available for local debugging. Every
// pipeline component derives its own child logger via Component, which tags
// records so that a single run's connector, pool and resultor lines can be
// separated in aggregated output.
//
// Usage:
//
//	var cfg logger.Config
//	config.MustLoad(&cfg)
//	log := logger.NewFromConfig(cfg, "pushd")
//	connectorLog := logger.Component(log, "connector")
package logger
