package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a deadline on each request context. Store calls made
// by the handler observe it; when the deadline passes before anything was
// written the client gets a 504 with a JSON error body.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, ErrorBody{
					Error:   "timeout",
					Message: "request processing exceeded the allowed time limit",
				})
			}
			return err
		}
	}
}

// ErrorBody is the JSON shape of every error the API returns.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
