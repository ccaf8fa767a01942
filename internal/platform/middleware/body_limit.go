package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/cohort/cohort/internal/platform/fhir"
)

// BodyLimit caps request bodies (criteria trees and compile requests) at
// limit, given as "512K", "1M", "1G" or a bare byte count. Oversized bodies
// get a 413 with an OperationOutcome.
func BodyLimit(limit string) echo.MiddlewareFunc {
	max := parseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			// Check Content-Length header first for early rejection
			if req.ContentLength > max {
				return payloadTooLargeError(c, max)
			}

			// Wrap the body so a missing or wrong Content-Length is caught too
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: max}
			return next(c)
		}
	}
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	// read one byte past the limit to detect overflow
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err = r.ReadCloser.Read(p)
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

func payloadTooLargeError(c echo.Context, limit int64) error {
	outcome := fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTooCostly,
		fmt.Sprintf("Request body exceeds maximum allowed size of %d bytes", limit))
	return c.JSON(http.StatusRequestEntityTooLarge, outcome)
}

// parseLimit parses a size such as "1M" or "512KB" into bytes. Unparseable
// input yields 1 MB.
func parseLimit(s string) int64 {
	const fallback = 1 << 20

	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return fallback
	}
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n * multiplier
}
