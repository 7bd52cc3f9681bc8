package push

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ProxyConfig is the optional outbound proxy for provider connections.
type ProxyConfig struct {
	Host string `env:"PUSHD_PROXY_HOST"`
	Port int    `env:"PUSHD_PROXY_PORT"`
	User string `env:"PUSHD_PROXY_USER"`
	Pass string `env:"PUSHD_PROXY_PASS"`
	Auth bool   `env:"PUSHD_PROXY_AUTH" envDefault:"true"` // verify TLS through the proxy
}

// Configured reports whether a proxy is set up.
func (p ProxyConfig) Configured() bool {
	return p.Host != "" && p.Port > 0
}

// MessageResolver looks up an in-run message by id; connections use it to
// compile templates without holding message references of their own.
type MessageResolver func(id bson.ObjectID) *Message

// Connection is one live provider connection. Send transmits a batch of
// pushes sharing one message, emitting result and error frames as they are
// classified. A non-nil returned error is always a *ConnectionError meaning
// the connection is no longer usable; per-item failures are emitted as
// frames instead.
type Connection interface {
	Send(ctx context.Context, batch []*Push, emit func(Frame)) error
	Close(ctx context.Context) error
}

// ConnectOptions carries everything a platform needs to establish a
// connection for one credential+field pair.
type ConnectOptions struct {
	App      *App
	Platform string
	Field    string
	Creds    Credentials
	Messages MessageResolver
	Proxy    ProxyConfig
	Retries  int // send attempts for connection-class errors
	Log      *slog.Logger
}

// Platform describes one provider integration registered with the pipeline.
type Platform struct {
	Key    string
	Title  string
	Parent string   // non-empty for virtual sub-platforms folded into a parent
	Fields []string // token-type fields, e.g. production/debug

	// ParseCredentials decodes a credentials document into the platform's
	// credentials type. It must call Validate before returning.
	ParseCredentials func(doc CredentialsDoc) (Credentials, error)

	// Connect establishes a provider connection. A false second return or an
	// error means the credentials are unusable and the caller must
	// invalidate the slot.
	Connect func(ctx context.Context, opts ConnectOptions) (Connection, error)
}

var (
	platformsMu sync.RWMutex
	platforms   = make(map[string]Platform)
)

// RegisterPlatform installs a platform integration. Registering the same key
// twice panics: it means two providers are fighting over one platform.
func RegisterPlatform(p Platform) {
	platformsMu.Lock()
	defer platformsMu.Unlock()
	if _, ok := platforms[p.Key]; ok {
		panic(fmt.Sprintf("platform %q registered twice", p.Key))
	}
	platforms[p.Key] = p
}

// PlatformByKey returns the registered platform for a key.
func PlatformByKey(key string) (Platform, bool) {
	platformsMu.RLock()
	defer platformsMu.RUnlock()
	p, ok := platforms[key]
	return p, ok
}

// ParentOf returns the parent platform key for virtual sub-platforms, empty
// otherwise.
func ParentOf(key string) string {
	if p, ok := PlatformByKey(key); ok {
		return p.Parent
	}
	return ""
}

// PlatformKeys returns registered platform keys in stable order.
func PlatformKeys() []string {
	platformsMu.RLock()
	defer platformsMu.RUnlock()
	keys := make([]string, 0, len(platforms))
	for k := range platforms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ResetPlatforms clears the registry. Intended for tests that register fake
// platforms.
func ResetPlatforms() {
	platformsMu.Lock()
	defer platformsMu.Unlock()
	platforms = make(map[string]Platform)
}
