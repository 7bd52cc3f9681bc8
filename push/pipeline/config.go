package pipeline

import (
	"time"

	"github.com/frknbasaran/pushd/push"
)

// Config carries the tunables of one pipeline worker, loaded from the
// environment by pkg/config.
type Config struct {
	// PoolSize caps live provider connections per worker.
	PoolSize int `env:"PUSHD_POOL_SIZE" envDefault:"100"`
	// BatchSize caps pushes per provider request.
	BatchSize int `env:"PUSHD_BATCH_SIZE" envDefault:"500"`
	// MessageTimeout is the send-ahead deadline: pushes older than this
	// relative to their creation time are too late to send.
	MessageTimeout time.Duration `env:"PUSHD_MESSAGE_TIMEOUT" envDefault:"24h"`
	// SendRetries bounds retry attempts for connection-class send failures.
	SendRetries int `env:"PUSHD_SEND_RETRIES" envDefault:"3"`
	// FlushCount is the resultor's pending-outcome threshold.
	FlushCount int `env:"PUSHD_FLUSH_COUNT" envDefault:"1000"`
	// FlushInterval bounds how long completed counters stay unpersisted when
	// the frame stream stalls.
	FlushInterval time.Duration `env:"PUSHD_FLUSH_INTERVAL" envDefault:"5s"`
	// ErrorFlushBytes is the connector's terminal-bucket weight threshold.
	ErrorFlushBytes int `env:"PUSHD_ERROR_FLUSH_BYTES" envDefault:"262144"`

	Proxy push.ProxyConfig
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 100
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 24 * time.Hour
	}
	if c.SendRetries <= 0 {
		c.SendRetries = 3
	}
	if c.FlushCount <= 0 {
		c.FlushCount = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.ErrorFlushBytes <= 0 {
		c.ErrorFlushBytes = 256 << 10
	}
	return c
}
