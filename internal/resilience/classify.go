package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/vitaliisemenov/xregistry-bridge/internal/xregistry"
)

// ClassifyTransport maps a transport-level error from an upstream or
// downstream call onto the xRegistry error taxonomy. DNS and connection
// failures read as service_unavailable; deadlines as gateway_timeout.
func ClassifyTransport(err error) *xregistry.Problem {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return xregistry.NewProblem(xregistry.CodeGatewayTimeout, "upstream request deadline exceeded")
	case errors.Is(err, context.Canceled):
		return xregistry.NewProblem(xregistry.CodeServiceUnavailable, "request cancelled")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return xregistry.Problemf(xregistry.CodeServiceUnavailable, "DNS resolution failed for %s", dnsErr.Name)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return xregistry.NewProblem(xregistry.CodeGatewayTimeout, "upstream request timed out")
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return xregistry.Problemf(xregistry.CodeServiceUnavailable, "upstream unreachable: %v", opErr.Err)
	}

	return xregistry.Problemf(xregistry.CodeServiceUnavailable, "upstream request failed: %v", err)
}

// ClassifyStatus maps a non-2xx upstream HTTP status onto the taxonomy.
// 4xx statuses become the equivalent client-side error; 504 becomes
// gateway_timeout and every other status becomes service_unavailable.
func ClassifyStatus(status int) *xregistry.Problem {
	switch {
	case status == http.StatusNotFound:
		return xregistry.NewProblem(xregistry.CodeEntityNotFound, "upstream reported not found")
	case status == http.StatusUnauthorized:
		return xregistry.NewProblem(xregistry.CodeUnauthorized, "upstream rejected credentials")
	case status == http.StatusForbidden:
		return xregistry.NewProblem(xregistry.CodeForbidden, "upstream denied access")
	case status == http.StatusGatewayTimeout:
		return xregistry.NewProblem(xregistry.CodeGatewayTimeout, "upstream gateway timeout")
	case status >= 400 && status < 500:
		return xregistry.Problemf(xregistry.CodeInvalidData, "upstream rejected request with status %d", status)
	default:
		return xregistry.Problemf(xregistry.CodeServiceUnavailable, "upstream returned status %d", status)
	}
}
