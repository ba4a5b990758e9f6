package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
)

var errTestInsufficient = New(KindInsufficientStock, "insufficient stock")

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"sentinel", errTestInsufficient, KindInsufficientStock},
		{"wrapped", fmt.Errorf("line 2: %w", errTestInsufficient), KindInsufficientStock},
		{"validation", Validation("delta must not be zero"), KindValidation},
		{"deadlock", fmt.Errorf("adjust: %w", &pgconn.PgError{Code: "40P01"}), KindRetryableConflict},
		{"connection", &pgconn.PgError{Code: "08006"}, KindUnavailable},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatus_DistinctPerBusinessKind(t *testing.T) {
	if Status(KindNotFound) != http.StatusNotFound {
		t.Errorf("NOT_FOUND should map to 404")
	}
	if Status(KindInsufficientStock) != http.StatusUnprocessableEntity {
		t.Errorf("INSUFFICIENT_STOCK should map to 422")
	}
	if Status(Kind("UNKNOWN")) != http.StatusInternalServerError {
		t.Errorf("unknown kinds should map to 500")
	}
}

func TestIsBusiness(t *testing.T) {
	if !IsBusiness(fmt.Errorf("x: %w", errTestInsufficient)) {
		t.Error("insufficient stock is a business failure")
	}
	if IsBusiness(&pgconn.PgError{Code: "40001"}) {
		t.Error("serialization failure is not a business failure")
	}
	if IsBusiness(errors.New("boom")) {
		t.Error("unknown errors are not business failures")
	}
}

func TestHTTPError_MasksInternal(t *testing.T) {
	he := HTTPError(errors.New("pq: secret detail"))
	if he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", he.Code)
	}
	body, ok := he.Message.(Body)
	if !ok {
		t.Fatalf("expected Body message, got %T", he.Message)
	}
	if body.Code != KindInternal || body.Message != "internal server error" {
		t.Errorf("unexpected body: %+v", body)
	}
	if he.Internal == nil {
		t.Error("expected internal error to be kept for logging")
	}
}

func TestHTTPError_BusinessMessage(t *testing.T) {
	he := HTTPError(fmt.Errorf("dispense RX1: %w", errTestInsufficient))
	if he.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", he.Code)
	}
	body := he.Message.(Body)
	if body.Code != KindInsufficientStock {
		t.Errorf("expected INSUFFICIENT_STOCK, got %s", body.Code)
	}
	if body.Message != "dispense RX1: insufficient stock" {
		t.Errorf("unexpected message %q", body.Message)
	}
}

func TestRespond_RetryAfter(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

	err := Respond(c, &pgconn.PgError{Code: "55P03"})
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	if he.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", he.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After: 1, got %q", rec.Header().Get("Retry-After"))
	}
}
