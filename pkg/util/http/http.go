package http

import (
	"net/http"
	"strconv"

	"github.com/ValerySidorin/acheron/pkg/failure"
)

// StatusError is a response that did not succeed.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status == "" {
		return "unexpected response status " + strconv.Itoa(e.Code)
	}
	return "unexpected response status " + e.Status
}

// CheckResponse returns nil for a 2xx response. Any other status becomes a
// StatusError, transient when the same request may succeed later and
// permanent otherwise.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	err := &StatusError{Code: resp.StatusCode, Status: resp.Status}
	if IsRetryableStatusCode(resp.StatusCode) {
		return failure.Wrap(failure.Transient, err, "")
	}
	return failure.Wrap(failure.Permanent, err, "")
}

func IsRetryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
