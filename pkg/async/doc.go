// Package async provides a minimal Future type for tracking in-flight
// asynchronous work.
//
// The connection pool hands out futures for provider connection attempts:
// the connector keeps sending pushes while connections are being established
// and awaits all outstanding futures before finishing a run, so that no
// half-open connection is leaked when the pipeline drains.
package async
