package push

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Pers carries per-user personalization attached to a push record.
type Pers struct {
	Locale  string         `bson:"la,omitempty"`
	Title   string         `bson:"title,omitempty"`
	Message string         `bson:"message,omitempty"`
	Data    map[string]any `bson:"d,omitempty"`
}

// Push is one queued delivery attempt: one user, one device token, one
// message. Records are persisted by the scheduling collaborator before a run
// starts and deleted by the pipeline once their outcome is durably
// accounted.
type Push struct {
	ID       bson.ObjectID `bson:"_id"`
	App      bson.ObjectID `bson:"a"`
	Message  bson.ObjectID `bson:"m"`
	Platform string        `bson:"p"`
	Field    string        `bson:"f"`
	User     string        `bson:"u"`
	Token    string        `bson:"t"`
	Pers     Pers          `bson:"pr,omitempty"`
	Hash     string        `bson:"h,omitempty"`
}

// Locale returns the personalization locale, defaulting to "default" so that
// the result tree always has a locale-level node to record under.
func (p *Push) Locale() string {
	if p.Pers.Locale == "" {
		return "default"
	}
	return p.Pers.Locale
}

// CreatedAt extracts the creation time embedded in the push id. Ids are
// time-ordered, which lets the connector compare a record's age against the
// message send-ahead timeout without an extra field.
func (p *Push) CreatedAt() time.Time {
	return p.ID.Timestamp()
}

// Stat is one push_stats record, written per attempted delivery when the
// message opted into detailed stats. Records expire by age only.
type Stat struct {
	App        bson.ObjectID `bson:"a"`
	Message    bson.ObjectID `bson:"m"`
	Platform   string        `bson:"p"`
	Field      string        `bson:"f"`
	User       string        `bson:"u"`
	Token      string        `bson:"t"`
	Date       time.Time     `bson:"d"`
	ProviderID string        `bson:"r,omitempty"`
	Error      string        `bson:"e,omitempty"`
}
