package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hospital/his/internal/platform/apierror"
)

// BodyLimit rejects request bodies larger than limit ("512K", "1M", ...)
// with 413 PAYLOAD_TOO_LARGE. Content-Length is checked first; the body is
// also wrapped so a missing or wrong length cannot bypass the limit.
func BodyLimit(limit string) echo.MiddlewareFunc {
	maxBytes := parseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > maxBytes {
				return tooLarge(maxBytes)
			}
			lr := &limitedReadCloser{ReadCloser: req.Body, limit: maxBytes, remaining: maxBytes}
			req.Body = lr
			err := next(c)
			// binders turn read errors into 400
			if lr.exceeded && !c.Response().Committed {
				return tooLarge(maxBytes)
			}
			return err
		}
	}
}

func tooLarge(limit int64) *echo.HTTPError {
	return apierror.HTTPError(apierror.New(apierror.KindPayloadTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit)))
}

type limitedReadCloser struct {
	io.ReadCloser
	limit     int64
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, tooLarge(r.limit)
	}
	// read one byte past the limit to detect overflow
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, tooLarge(r.limit)
	}
	return n, err
}

// parseLimit accepts a byte count with an optional K, M or G suffix. Anything
// unparsable means 1 MB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
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
		return 1 << 20
	}
	return n * multiplier
}
