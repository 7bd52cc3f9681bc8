package pool

import "errors"

var (
	// ErrPoolFull means the pool reached capacity; the push should be
	// deferred to a later run instead of forcing a connection.
	ErrPoolFull = errors.New("pool: at capacity")

	// ErrNoConnection means no live connection exists for the key.
	ErrNoConnection = errors.New("pool: no connection for key")

	// ErrUnknownPlatform means no platform integration is registered for
	// the push's platform key.
	ErrUnknownPlatform = errors.New("pool: unknown platform")
)
