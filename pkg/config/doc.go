// Package config loads environment-based configuration structs for pushd.
//
// Every package that needs configuration declares its own Config struct with
// `env` tags (see pkg/mongo.Config or pipeline.Config) and loads it through
// Load or MustLoad. Configuration is entirely environment-driven: the same
// binary runs in development, staging and production with nothing but
// different environment variables, and secrets stay out of the repository.
package config
