// Package webhook pushes committed pharmacy events to external systems such
// as procurement or ward dashboards. Payloads are signed with HMAC-SHA256 and
// delivered in the background with retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hospital/his/internal/platform/db"
	"github.com/hospital/his/internal/platform/metrics"
	"github.com/hospital/his/internal/platform/websocket"
)

// Endpoint is a configured delivery target. Events holds subscription
// patterns: exact ("inventory.low_stock"), "inventory.*", "*.dispensed" or "*".
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Delivery is the JSON body POSTed to an endpoint.
type Delivery struct {
	ID       string          `json:"id"`
	Hospital string          `json:"hospital"`
	Event    websocket.Event `json:"event"`
}

// Result is the outcome of one delivery attempt.
type Result struct {
	StatusCode int
	Attempt    int
	Err        error
}

func (r Result) OK() bool { return r.Err == nil }

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is the receiver-side check of SignPayload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetryDelays sets the wait before each retry; its length is the number
// of retries.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queueSize = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

type job struct {
	endpoint *Endpoint
	delivery Delivery
}

// Dispatcher implements websocket.EventPublisher. Publish only enqueues;
// Run performs the deliveries.
type Dispatcher struct {
	endpoints   []*Endpoint
	client      *http.Client
	retryDelays []time.Duration
	queueSize   int
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	queue chan job
	wg    sync.WaitGroup
}

// NewDispatcher validates the endpoints and returns an idle dispatcher.
func NewDispatcher(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 10 * time.Second, time.Minute},
		queueSize:   256,
		logger:      logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	for i := range endpoints {
		ep := endpoints[i]
		if err := validateURL(ep.URL); err != nil {
			return nil, fmt.Errorf("webhook endpoint %d: %w", i, err)
		}
		if len(ep.Events) == 0 {
			ep.Events = []string{"*"}
		}
		d.endpoints = append(d.endpoints, &ep)
	}
	d.queue = make(chan job, d.queueSize)
	return d, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep *Endpoint) matches(eventType string) bool {
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// Publish queues event for every matching endpoint. Services publish each
// event on several topics; only the pharmacy topic copy is forwarded so an
// endpoint sees every event once. A full queue drops the delivery.
func (d *Dispatcher) Publish(ctx context.Context, event websocket.Event) error {
	if !strings.HasPrefix(event.Topic, "pharmacy:") {
		return nil
	}
	hospital := db.HospitalFromContext(ctx)
	for _, ep := range d.endpoints {
		if !ep.matches(event.Type) {
			continue
		}
		j := job{endpoint: ep, delivery: Delivery{ID: uuid.NewString(), Hospital: hospital, Event: event}}
		select {
		case d.queue <- j:
		default:
			d.logger.Warn().Str("url", ep.URL).Str("type", event.Type).Msg("webhook queue full, delivery dropped")
			d.metrics.WebhookDelivered(event.Type, false)
		}
	}
	return nil
}

// Run delivers queued events with the given number of workers until ctx is
// cancelled, then drains what is already queued. In-flight deliveries are
// not interrupted by the cancellation.
func (d *Dispatcher) Run(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	deliverCtx := context.WithoutCancel(ctx)
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case j := <-d.queue:
					d.deliver(deliverCtx, j)
				case <-ctx.Done():
					d.drain(deliverCtx)
					return
				}
			}
		}()
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case j := <-d.queue:
			d.deliver(ctx, j)
		default:
			return
		}
	}
}

// Wait blocks until the workers started by Run have stopped.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	res := d.Deliver(ctx, j.endpoint, j.delivery)
	d.metrics.WebhookDelivered(j.delivery.Event.Type, res.OK())
	evt := d.logger.Info()
	if !res.OK() {
		evt = d.logger.Error().Err(res.Err)
	}
	evt.Str("delivery_id", j.delivery.ID).
		Str("url", j.endpoint.URL).
		Str("type", j.delivery.Event.Type).
		Str("hospital", j.delivery.Hospital).
		Int("status", res.StatusCode).
		Int("attempts", res.Attempt).
		Msg("webhook delivery")
}

// Deliver POSTs one delivery, retrying on transport errors and 5xx/429
// responses. Other 4xx responses are final.
func (d *Dispatcher) Deliver(ctx context.Context, ep *Endpoint, delivery Delivery) Result {
	payload, err := json.Marshal(delivery)
	if err != nil {
		return Result{Err: fmt.Errorf("marshal delivery: %w", err)}
	}

	var res Result
	for attempt := 0; attempt <= len(d.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.retryDelays[attempt-1]):
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res
			}
		}
		res = d.post(ctx, ep, delivery, payload)
		res.Attempt = attempt + 1
		if res.OK() || !retryable(res.StatusCode) {
			return res
		}
	}
	return res
}

func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

func (d *Dispatcher) post(ctx context.Context, ep *Endpoint, delivery Delivery, payload []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return Result{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", delivery.ID)
	req.Header.Set("X-Webhook-Event", delivery.Event.Type)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	req.Header.Set("X-Hospital-ID", delivery.Hospital)
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{StatusCode: resp.StatusCode, Err: fmt.Errorf("non-2xx response: %d", resp.StatusCode)}
	}
	return Result{StatusCode: resp.StatusCode}
}
