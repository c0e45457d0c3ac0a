package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/team-bethany-and-thomas/healthapp/internal/platform/auth"
)

// Logger writes one zerolog event per request. Errors are rendered before
// logging so the logged status is the one the client saw. Only the user id
// is logged; request bodies never are. Probes of the public health and
// metrics routes are logged at debug level.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			if err := next(c); err != nil {
				c.Error(err)
				logEvent(logger, c, err).Dur("latency", time.Since(start)).Msg("request")
				return nil
			}
			logEvent(logger, c, nil).Dur("latency", time.Since(start)).Msg("request")
			return nil
		}
	}
}

func logEvent(logger zerolog.Logger, c echo.Context, err error) *zerolog.Event {
	req := c.Request()
	status := c.Response().Status

	var evt *zerolog.Event
	switch {
	case status >= 500:
		evt = logger.Error()
	case status >= 400:
		evt = logger.Warn()
	case auth.IsPublicPath(c.Path()):
		evt = logger.Debug()
	default:
		evt = logger.Info()
	}
	if err != nil {
		evt = evt.Err(err)
	}

	rid, _ := c.Get("request_id").(string)
	evt = evt.
		Str("request_id", rid).
		Str("method", req.Method).
		Str("route", c.Path()).
		Str("path", req.URL.Path).
		Str("user_id", auth.UserIDFromContext(req.Context())).
		Int("status", status).
		Str("remote_ip", c.RealIP())
	if sc := trace.SpanContextFromContext(req.Context()); sc.HasTraceID() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	return evt
}
