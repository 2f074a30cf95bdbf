package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"os"
)

// errorWeight scores a round trip outcome. Timeouts count heaviest, origin
// server errors and transport failures count fully, throttling counts half.
// Client errors are the caller's fault and count as success.
func errorWeight(resp *http.Response, err error) float64 {
	switch {
	case err == nil:
		return statusWeight(resp.StatusCode)
	case errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return 1.5
	default:
		return 1
	}
}

func statusWeight(code int) float64 {
	switch code {
	case http.StatusTooManyRequests:
		return 0.5
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return 1
	default:
		return 0
	}
}
