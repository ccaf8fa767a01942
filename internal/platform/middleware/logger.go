package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one line per request. Server errors log at error level,
// rejected requests at warn, and health probes at debug.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400 || err != nil:
				evt = logger.Warn().Err(err)
			case strings.HasPrefix(req.URL.Path, "/health"):
				evt = logger.Debug()
			default:
				evt = logger.Info()
			}

			evt.
				Str("request_id", requestID(c)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}

func requestID(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}
