package fhirclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/cohort/cohort/internal/platform/fhir"
)

// StatusAborted is reported by Status for requests dropped by
// ClearPendingRequests. It never collides with a real HTTP status.
const StatusAborted = -1

var (
	// ErrAborted settles callers whose queued request was cleared before it
	// was sent.
	ErrAborted = errors.New("fhirclient: request aborted")

	// ErrAuthRequired is wrapped by HTTPError when the server still answers
	// 401/403 after the credentialed re-send.
	ErrAuthRequired = errors.New("fhirclient: authentication required")

	// ErrClosed is returned by requests made after Close.
	ErrClosed = errors.New("fhirclient: client closed")
)

// HTTPError is a non-2xx answer to one logical request, either a standalone
// response or a single entry of a batch-response Bundle.
type HTTPError struct {
	Status  int
	URL     string
	Outcome *fhir.OperationOutcome
	Err     error
}

func newHTTPError(status int, url string, body []byte) *HTTPError {
	e := &HTTPError{Status: status, URL: url}
	if oo, ok := fhir.ParseOperationOutcome(body); ok {
		e.Outcome = oo
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		e.Err = ErrAuthRequired
	}
	return e
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("fhir server returned %d for %s", e.Status, e.URL)
	if e.Outcome != nil {
		if s := e.Outcome.Summary(); s != "" {
			msg += ": " + s
		}
	}
	return msg
}

func (e *HTTPError) Unwrap() error { return e.Err }

// ClientError reports a 4xx answer other than an authentication failure.
func (e *HTTPError) ClientError() bool {
	return e.Status >= 400 && e.Status < 500 && e.Err == nil
}

// Status maps err to the HTTP status a caller would display: StatusAborted
// for cleared requests, the server status for HTTPError, 0 otherwise.
func Status(err error) int {
	if errors.Is(err, ErrAborted) {
		return StatusAborted
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// IsClientError reports whether err is a non-auth 4xx HTTPError.
func IsClientError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.ClientError()
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
