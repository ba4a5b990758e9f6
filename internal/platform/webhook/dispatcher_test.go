package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hospital/his/internal/platform/db"
	"github.com/hospital/his/internal/platform/websocket"
)

var pharmacyID = uuid.MustParse("6f1c3a52-2222-4c1e-9a9e-000000000001")

func newTestDispatcher(t *testing.T, eps []Endpoint, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithRetryDelays(time.Millisecond, time.Millisecond)}, opts...)
	d, err := NewDispatcher(eps, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func lowStockEvent() websocket.Event {
	return websocket.NewEvent("inventory.low_stock", websocket.PharmacyTopic(pharmacyID), "InventoryRecord", uuid.NewString(), map[string]int{"quantity": 1})
}

func hospitalCtx(h string) context.Context {
	return context.WithValue(context.Background(), db.HospitalIDKey, h)
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"id":"1"}`)
	sig := SignPayload(payload, "s3cret")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(payload, "s3cret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected bare signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
}

func TestEventMatches(t *testing.T) {
	tests := []struct {
		pattern, event string
		want           bool
	}{
		{"*", "inventory.adjusted", true},
		{"inventory.low_stock", "inventory.low_stock", true},
		{"inventory.low_stock", "inventory.adjusted", false},
		{"inventory.*", "inventory.adjusted", true},
		{"inventory.*", "prescription.dispensed", false},
		{"*.dispensed", "prescription.dispensed", true},
		{"*.dispensed", "prescription.cancelled", false},
	}
	for _, tt := range tests {
		if got := eventMatches(tt.pattern, tt.event); got != tt.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

func TestNewDispatcher_ValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com/hook", "http://"} {
		if _, err := NewDispatcher([]Endpoint{{URL: raw}}, zerolog.Nop()); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestDeliver_SignsAndPosts(t *testing.T) {
	var (
		gotSig, gotHospital string
		gotBody             []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotHospital = r.Header.Get("X-Hospital-ID")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []Endpoint{{URL: srv.URL, Secret: "s3cret"}})
	delivery := Delivery{ID: "d-1", Hospital: "north", Event: lowStockEvent()}
	res := d.Deliver(context.Background(), d.endpoints[0], delivery)

	if !res.OK() || res.StatusCode != http.StatusNoContent || res.Attempt != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !VerifySignature(gotBody, "s3cret", gotSig) {
		t.Error("signature does not match body")
	}
	if gotHospital != "north" {
		t.Errorf("expected hospital header 'north', got %q", gotHospital)
	}
	var body Delivery
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Event.Type != "inventory.low_stock" {
		t.Errorf("expected event type in body, got %q", body.Event.Type)
	}
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []Endpoint{{URL: srv.URL}})
	res := d.Deliver(context.Background(), d.endpoints[0], Delivery{ID: "d-2", Event: lowStockEvent()})
	if !res.OK() || res.Attempt != 3 {
		t.Fatalf("expected success on third attempt, got %+v", res)
	}
}

func TestDeliver_ClientErrorIsFinal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []Endpoint{{URL: srv.URL}})
	res := d.Deliver(context.Background(), d.endpoints[0], Delivery{ID: "d-3", Event: lowStockEvent()})
	if res.OK() || res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected final 400, got %+v", res)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestPublish_FiltersTopicAndPattern(t *testing.T) {
	d := newTestDispatcher(t, []Endpoint{
		{URL: "http://stock.example/hook", Events: []string{"inventory.low_stock"}},
		{URL: "http://rx.example/hook", Events: []string{"prescription.*"}},
	})
	ctx := hospitalCtx("north")

	_ = d.Publish(ctx, lowStockEvent())
	_ = d.Publish(ctx, websocket.NewEvent("prescription.dispensed", websocket.PrescriptionTopic(uuid.New()), "Prescription", "", nil))
	_ = d.Publish(ctx, websocket.NewEvent("prescription.dispensed", websocket.PharmacyTopic(pharmacyID), "Prescription", "", nil))

	if len(d.queue) != 2 {
		t.Fatalf("expected 2 queued deliveries, got %d", len(d.queue))
	}
	first := <-d.queue
	if first.endpoint.URL != "http://stock.example/hook" || first.delivery.Hospital != "north" {
		t.Errorf("unexpected first job %+v", first)
	}
	second := <-d.queue
	if second.endpoint.URL != "http://rx.example/hook" {
		t.Errorf("unexpected second job %+v", second)
	}
}

func TestPublish_FullQueueDrops(t *testing.T) {
	d := newTestDispatcher(t, []Endpoint{{URL: "http://stock.example/hook"}}, WithQueueSize(1))
	ctx := hospitalCtx("north")
	_ = d.Publish(ctx, lowStockEvent())
	if err := d.Publish(ctx, lowStockEvent()); err != nil {
		t.Fatalf("publish must not fail on a full queue: %v", err)
	}
	if len(d.queue) != 1 {
		t.Errorf("expected 1 queued delivery, got %d", len(d.queue))
	}
}

func TestRun_DeliversQueuedEvents(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get("X-Webhook-ID"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []Endpoint{{URL: srv.URL}})
	ctx, cancel := context.WithCancel(context.Background())
	d.Run(ctx, 2)

	for i := 0; i < 3; i++ {
		_ = d.Publish(hospitalCtx("north"), lowStockEvent())
	}
	cancel()
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 3 {
		t.Fatalf("expected 3 deliveries after drain, got %d", len(ids))
	}
}
