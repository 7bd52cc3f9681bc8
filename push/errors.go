package push

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Code classifies a delivery failure. The taxonomy drives retry behavior:
// connection-class codes are transient and retried, data- and
// credential-class codes are terminal for the affected items.
type Code uint8

const (
	// CodeException marks pipeline invariant violations and unclassified
	// failures. The affected batch fails closed.
	CodeException Code = iota
	// CodeDataInternal covers failures caused by our own data: missing app,
	// missing message, missing credentials, push past its deadline.
	CodeDataInternal
	// CodeDataProvider means the provider rejected the message payload.
	CodeDataProvider
	// CodeDataTokenExpired means the device token is no longer registered.
	CodeDataTokenExpired
	// CodeDataTokenInvalid means the device token never was valid.
	CodeDataTokenInvalid
	// CodeConnectionProvider covers provider unreachability and 5xx replies.
	CodeConnectionProvider
	// CodeConnectionProxy covers proxy connectivity failures.
	CodeConnectionProxy
	// CodeInvalidCredentials means the provider refused our credentials.
	CodeInvalidCredentials
)

func (c Code) String() string {
	switch c {
	case CodeDataInternal:
		return "data_internal"
	case CodeDataProvider:
		return "data_provider"
	case CodeDataTokenExpired:
		return "data_token_expired"
	case CodeDataTokenInvalid:
		return "data_token_invalid"
	case CodeConnectionProvider:
		return "connection_provider"
	case CodeConnectionProxy:
		return "connection_proxy"
	case CodeInvalidCredentials:
		return "invalid_credentials"
	default:
		return "exception"
	}
}

// IsConnection reports whether the code represents a transient
// connection-class failure eligible for retry.
func (c Code) IsConnection() bool {
	return c == CodeConnectionProvider || c == CodeConnectionProxy
}

// IsToken reports whether the code must trigger token removal downstream.
func (c Code) IsToken() bool {
	return c == CodeDataTokenExpired || c == CodeDataTokenInvalid
}

// SendError is a typed delivery error carrying the push ids it affected and
// their cumulative weight in bytes. A single SendError accumulates an entire
// batch worth of identical failures: 500 pushes rejected with the same
// provider error produce one SendError with 500 affected ids.
type SendError struct {
	Name string    // stable error name, used as histogram key, e.g. "NotRegistered"
	Code Code      // taxonomy classification
	Date time.Time // when the error was first recorded

	Affected      []bson.ObjectID // pushes this error terminally applies to
	AffectedBytes int             // proportional byte weight of affected pushes
	Left          []bson.ObjectID // pushes queued behind a failed connection, not attempted
	LeftBytes     int
}

// NewSendError creates an empty accumulator for the given name and code.
func NewSendError(name string, code Code) *SendError {
	return &SendError{Name: name, Code: code, Date: time.Now()}
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s (%s): %d affected, %d left", e.Name, e.Code, len(e.Affected), len(e.Left))
}

// Is reports whether the error carries the given taxonomy code.
func (e *SendError) Is(code Code) bool {
	return e.Code == code
}

// AddAffected records one affected push with its byte weight.
func (e *SendError) AddAffected(id bson.ObjectID, weight int) *SendError {
	e.Affected = append(e.Affected, id)
	e.AffectedBytes += weight
	return e
}

// AddAffectedAll records a whole batch with its total byte weight.
func (e *SendError) AddAffectedAll(ids []bson.ObjectID, weight int) *SendError {
	e.Affected = append(e.Affected, ids...)
	e.AffectedBytes += weight
	return e
}

// AddLeft records pushes that were queued but never attempted because the
// connection died first.
func (e *SendError) AddLeft(ids []bson.ObjectID, weight int) *SendError {
	e.Left = append(e.Left, ids...)
	e.LeftBytes += weight
	return e
}

// HasAffected reports whether any push was recorded on this accumulator.
func (e *SendError) HasAffected() bool {
	return len(e.Affected) > 0 || len(e.Left) > 0
}

// ErrorKey is the composite dedup key for per-batch error accumulation.
type ErrorKey struct {
	Code Code
	Name string
}

// Key returns the accumulator dedup key of this error.
func (e *SendError) Key() ErrorKey {
	return ErrorKey{Code: e.Code, Name: e.Name}
}

// ConnectionError is a SendError that invalidates the whole connection: the
// provider (or the proxy in front of it) could not be reached, or refused
// our credentials. It surfaces after the sender exhausted its retry budget.
type ConnectionError struct {
	SendError
	Kind    string // short transport classification, e.g. "ECONNRESET", "FCM 503"
	Details string
}

// NewConnectionError creates a connection-class error.
func NewConnectionError(name string, code Code) *ConnectionError {
	return &ConnectionError{SendError: SendError{Name: name, Code: code, Date: time.Now()}}
}

// SetConnectionError attaches transport-level diagnostics.
func (e *ConnectionError) SetConnectionError(kind, details string) *ConnectionError {
	e.Kind = kind
	e.Details = details
	return e
}

func (e *ConnectionError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s [%s]: %s", e.SendError.Error(), e.Kind, e.Details)
	}
	return e.SendError.Error()
}
