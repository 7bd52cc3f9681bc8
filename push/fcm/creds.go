package fcm

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/frknbasaran/pushd/push"
)

const serviceAccountMime = "data:application/json"

// minLegacyKeyLength guards against truncated server keys pasted into the
// dashboard; real FCM server keys are well over this length.
const minLegacyKeyLength = 100

// Credentials is the FCM secret bundle: either a service-account JSON file
// (HTTP v1 API) or a legacy server key. The content hash identifies the
// bundle in pool keys and as the provider app name.
type Credentials struct {
	ID             bson.ObjectID
	ServiceAccount []byte // raw service-account JSON, empty for legacy keys
	LegacyKey      string

	hash        string
	projectID   string
	clientEmail string
}

// ParseCredentials decodes an FCM credentials document. It validates the
// bundle before returning so that malformed credentials fail loudly at load
// time, never mid-send.
func ParseCredentials(doc push.CredentialsDoc) (push.Credentials, error) {
	c := &Credentials{ID: doc.ID, LegacyKey: doc.Key}

	if doc.ServiceAccountFile != "" {
		idx := strings.Index(doc.ServiceAccountFile, ";base64,")
		if idx == -1 || doc.ServiceAccountFile[:idx] != serviceAccountMime {
			return nil, ErrInvalidServiceAccount
		}
		raw, err := base64.StdEncoding.DecodeString(doc.ServiceAccountFile[idx+len(";base64,"):])
		if err != nil {
			return nil, ErrInvalidServiceAccount
		}
		c.ServiceAccount = raw
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the bundle for correctness and computes its content hash.
func (c *Credentials) Validate() error {
	switch {
	case len(c.ServiceAccount) > 0:
		var sa struct {
			ProjectID   string `json:"project_id"`
			PrivateKey  string `json:"private_key"`
			ClientEmail string `json:"client_email"`
		}
		if err := json.Unmarshal(c.ServiceAccount, &sa); err != nil {
			return ErrInvalidServiceAccount
		}
		if sa.ProjectID == "" || sa.PrivateKey == "" || sa.ClientEmail == "" {
			return ErrIncompleteServiceAccount
		}
		c.projectID = sa.ProjectID
		c.clientEmail = sa.ClientEmail
		c.hash = contentHash(c.ServiceAccount)
	case c.LegacyKey != "":
		if len(c.LegacyKey) < minLegacyKeyLength {
			return ErrLegacyKeyTooShort
		}
		c.hash = contentHash([]byte(c.LegacyKey))
	default:
		return ErrNoCredentials
	}
	return nil
}

// Hash returns the content hash; valid only after Validate.
func (c *Credentials) Hash() string {
	return c.hash
}

// Legacy reports whether the bundle is a legacy server key.
func (c *Credentials) Legacy() bool {
	return len(c.ServiceAccount) == 0
}

// ProjectID returns the service-account project, empty for legacy keys.
func (c *Credentials) ProjectID() string {
	return c.projectID
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
