package fcm

import "errors"

var (
	// ErrNoCredentials is returned when a credentials document carries
	// neither a service-account file nor a legacy server key.
	ErrNoCredentials = errors.New("fcm: no credentials provided")

	// ErrInvalidServiceAccount is returned when the service-account file is
	// not a base64 JSON data URI or does not decode to valid JSON.
	ErrInvalidServiceAccount = errors.New("fcm: invalid service account file")

	// ErrIncompleteServiceAccount is returned when the service-account JSON
	// lacks project_id, private_key or client_email.
	ErrIncompleteServiceAccount = errors.New("fcm: incomplete service account file")

	// ErrLegacyKeyTooShort is returned when a legacy server key looks
	// truncated.
	ErrLegacyKeyTooShort = errors.New("fcm: legacy server key too short")
)
