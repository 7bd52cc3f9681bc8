package fcm

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/frknbasaran/pushd/push"
)

// classifyTransport maps a failed round trip onto the error taxonomy. With a
// proxy configured the failure is attributed to the proxy leg, since the
// provider itself was never reached.
func classifyTransport(err error, proxied bool) *push.ConnectionError {
	code := push.CodeConnectionProvider
	if proxied {
		code = push.CodeConnectionProxy
	}

	kind := "EUNKNOWN"
	var (
		netErr net.Error
		dnsErr *net.DNSError
		opErr  *net.OpError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		kind = "ETIMEDOUT"
	case errors.As(err, &dnsErr):
		kind = "ENOTFOUND"
	case errors.Is(err, syscall.ECONNRESET):
		kind = "ECONNRESET"
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = "ECONNREFUSED"
	case errors.Is(err, syscall.EPIPE):
		kind = "EPIPE"
	case errors.As(err, &opErr):
		kind = "ECONNABORTED"
	}

	return push.NewConnectionError("ProviderUnreachable", code).SetConnectionError(kind, err.Error())
}
