package middleware

import (
	"github.com/labstack/echo/v4"
)

// apiHeaders go on every response. Bodies are JSON, an xlsx ledger export or
// a websocket upgrade; none of them is rendered, framed or worth caching.
var apiHeaders = map[string]string{
	"X-Content-Type-Options":            "nosniff",
	"Content-Security-Policy":           "default-src 'none'; frame-ancestors 'none'; sandbox",
	"Cache-Control":                     "no-store",
	"Pragma":                            "no-cache",
	"Referrer-Policy":                   "no-referrer",
	"Cross-Origin-Resource-Policy":      "same-site",
	"X-Permitted-Cross-Domain-Policies": "none",
}

const hsts = "max-age=31536000; includeSubDomains"

// SecurityHeaders sets apiHeaders before the handler runs, so error
// responses carry them too. HSTS is only sent when the request arrived over
// https, directly or as reported by X-Forwarded-Proto.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range apiHeaders {
				h.Set(k, v)
			}
			if c.Scheme() == "https" {
				h.Set("Strict-Transport-Security", hsts)
			}
			return next(c)
		}
	}
}
