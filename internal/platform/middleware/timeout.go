package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hospital/his/internal/platform/apierror"
)

var errRequestTimeout = apierror.New(apierror.KindTimeout, "request processing exceeded the allowed time limit")

// RequestTimeout puts a deadline on the request context. Database calls made
// with that context are cancelled when it expires, which rolls back any open
// unit of work, and the client receives 504 REQUEST_TIMEOUT unless the
// handler already wrote a response.
//
// The handler runs on the request goroutine and must honour the context.
// /ws is excluded.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || strings.HasPrefix(c.Request().URL.Path, "/ws") {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return apierror.HTTPError(errRequestTimeout)
			}
			return err
		}
	}
}
