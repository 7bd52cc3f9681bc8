package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var defaultEnvLoaded sync.Once

// Load fills the provided configuration struct from environment variables.
//
// The default .env file is loaded once per process before the first parse so
// that local development works without exporting variables manually; a missing
// .env file is not an error. Parsing is driven by `env` and `envDefault`
// struct tags.
//
// Example:
//
//	type PipelineConfig struct {
//		PoolSize int `env:"PUSHD_POOL_SIZE" envDefault:"10"`
//	}
//
//	var cfg PipelineConfig
//	if err := config.Load(&cfg); err != nil {
//		// handle error
//	}
func Load[T any](v *T) error {
	defaultEnvLoaded.Do(func() {
		// The .env file might not exist and that's ok.
		_ = godotenv.Load()
	})
	if v == nil {
		return ErrNilPointer
	}

	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad works like Load but panics if configuration loading fails.
// Worker processes cannot do anything useful with a broken environment,
// so they refuse to start.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}
