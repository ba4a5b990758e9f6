package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractHospitalID(t *testing.T) {
	e := echo.New()

	tests := []struct {
		name   string
		claim  string
		header string
		query  string
		want   string
	}{
		{"default", "", "", "", "default"},
		{"query", "", "", "q_hosp", "q_hosp"},
		{"header over query", "", "h_hosp", "q_hosp", "h_hosp"},
		{"claim over header", "jwt_hosp", "h_hosp", "", "jwt_hosp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/"
			if tt.query != "" {
				target = "/?hospital_id=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("X-Hospital-ID", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			if tt.claim != "" {
				c.Set("jwt_hospital_id", tt.claim)
			}
			if got := extractHospitalID(c, "default"); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestHospitalMiddleware_InvalidID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Hospital-ID", "bad;drop schema")
	c := e.NewContext(req, httptest.NewRecorder())

	h := HospitalMiddleware(nil, "default")(func(c echo.Context) error {
		t.Fatal("handler must not run")
		return nil
	})
	err := h(c)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	if he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", he.Code)
	}
}

func TestValidateHospitalID(t *testing.T) {
	for _, ok := range []string{"default", "north_wing", "H42"} {
		if err := ValidateHospitalID(ok); err != nil {
			t.Errorf("%q: unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{"", "x; DROP SCHEMA public CASCADE", "north-wing", "a.b"} {
		if err := ValidateHospitalID(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestCreateHospitalSchema_RejectsIDBeforeTouchingPool(t *testing.T) {
	// a nil pool would panic if it were used
	if err := CreateHospitalSchema(context.Background(), nil, "x; DROP SCHEMA public", nil); err == nil {
		t.Fatal("expected invalid identifier error")
	}
}
