// Package fcm implements the Firebase Cloud Messaging platform integration.
//
// Both the HTTP v1 API (service-account credentials) and the legacy server
// key API are supported. Provider replies are classified into the shared
// error taxonomy: unregistered and invalid tokens become terminal per-item
// errors, unreachability and 5xx replies become retryable connection errors,
// and rejected credentials invalidate the connection immediately.
//
// The package registers two platform keys: "a" for FCM proper and the
// virtual "h" sub-platform for Huawei devices reached through the same
// credentials.
package fcm
