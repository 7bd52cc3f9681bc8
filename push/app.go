package push

import "go.mongodb.org/mongo-driver/v2/bson"

// Credentials is a provider-specific secret bundle enabling one platform's
// connection. Implementations must fail loudly on malformed input: Validate
// is called before the credentials are ever used and computes the content
// hash identifying the bundle.
type Credentials interface {
	// Hash returns the content hash of the bundle; valid only after Validate.
	Hash() string
	// Validate checks the bundle for correctness.
	Validate() error
}

// CredentialsDoc is the persisted shape of a credentials document. Platform
// implementations decode the fields they care about through their
// ParseCredentials hook.
type CredentialsDoc struct {
	ID                 bson.ObjectID `bson:"_id"`
	Type               string        `bson:"type"`
	Key                string        `bson:"key,omitempty"`
	ServiceAccountFile string        `bson:"serviceAccountFile,omitempty"`
	Hash               string        `bson:"hash,omitempty"`
}

// CredState describes the resolution state of a platform's credentials
// within an app for the duration of one run.
type CredState uint8

const (
	// CredMissing means the app has no credentials for the platform.
	CredMissing CredState = iota
	// CredInvalidated means the credentials failed during this run and must
	// not be retried until an operator updates them.
	CredInvalidated
	// CredValid means a usable credentials bundle is loaded.
	CredValid
)

// App is the in-memory representation of an application for one sending run.
// Creds maps platform key to loaded credentials; a present nil value marks
// credentials invalidated mid-run, an absent key means none configured.
type App struct {
	ID       bson.ObjectID
	Timezone string
	Creds    map[string]Credentials
}

// Credential resolves the credentials slot for a platform.
func (a *App) Credential(platform string) (Credentials, CredState) {
	c, ok := a.Creds[platform]
	if !ok {
		return nil, CredMissing
	}
	if c == nil {
		return nil, CredInvalidated
	}
	return c, CredValid
}

// Invalidate marks a platform's credentials unusable for the rest of the
// run. Already-open connections keep draining; no new connection will be
// attempted with this slot.
func (a *App) Invalidate(platform string) {
	if a.Creds == nil {
		a.Creds = make(map[string]Credentials)
	}
	a.Creds[platform] = nil
}

// HasUsableCreds reports whether at least one platform has valid
// credentials; an app without any is unusable and discarded for the run.
func (a *App) HasUsableCreds() bool {
	for _, c := range a.Creds {
		if c != nil {
			return true
		}
	}
	return false
}
