package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frknbasaran/pushd/pkg/config"
)

func TestLoad(t *testing.T) {
	type testConfig struct {
		Host string `env:"TEST_CONFIG_HOST" envDefault:"localhost"`
		Port int    `env:"TEST_CONFIG_PORT" envDefault:"27017"`
	}

	t.Run("defaults", func(t *testing.T) {
		var cfg testConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "localhost", cfg.Host)
		assert.Equal(t, 27017, cfg.Port)
	})

	t.Run("from environment", func(t *testing.T) {
		t.Setenv("TEST_CONFIG_HOST", "mongo.internal")
		t.Setenv("TEST_CONFIG_PORT", "27018")

		var cfg testConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "mongo.internal", cfg.Host)
		assert.Equal(t, 27018, cfg.Port)
	})

	t.Run("nil pointer", func(t *testing.T) {
		err := config.Load[testConfig](nil)
		assert.ErrorIs(t, err, config.ErrNilPointer)
	})

	t.Run("parse error", func(t *testing.T) {
		type badConfig struct {
			Port int `env:"TEST_CONFIG_BAD_PORT"`
		}
		t.Setenv("TEST_CONFIG_BAD_PORT", "not-a-number")

		var cfg badConfig
		err := config.Load(&cfg)
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})
}
