package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/config"
	"alertflow/internal/queue"
	"alertflow/internal/route"
	"alertflow/internal/throttle"
)

type captureProducer struct {
	envelopes []queue.Envelope
	err       error
}

func (p *captureProducer) Enqueue(_ context.Context, env queue.Envelope) error {
	if p.err != nil {
		return p.err
	}
	p.envelopes = append(p.envelopes, env)
	return nil
}

func (p *captureProducer) Close() error { return nil }

const groupedPayload = `{
	"status": "firing",
	"alerts": [
		{
			"status": "firing",
			"labels": {"alertname": "DiskFull", "instance": "db-1:9100", "severity": "critical", "service": "postgres"},
			"annotations": {"summary": "Disk is 96% full"},
			"startsAt": "2025-06-01T10:00:00Z"
		}
	]
}`

func newTestHandler(t *testing.T, producer *captureProducer) (*Handler, *clock.FakeClock) {
	t.Helper()
	clk := &clock.FakeClock{Instant: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	router, err := route.New(config.RoutingConfig{
		DefaultHandler: "overview",
		Rule: []config.RouteRule{
			{Name: "disk", Match: map[string]string{"alertname": "DiskFull"}, Handler: "diskspace", Params: map[string]string{"mount": "/"}},
		},
	}, map[string]struct{}{"overview": {}, "diskspace": {}})
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := throttle.NewMemoryStore(clk.Now)
	return NewHandler(store, router, producer, clk, 5*time.Minute, 1<<20, logger), clk
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(body))
	h.ServeHTTP(rec, req)
	return rec
}

func TestIntakeAcceptsAndRoutes(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{}
	handler, _ := newTestHandler(t, producer)

	rec := post(handler, groupedPayload)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp intakeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 || resp.Suppressed != 0 {
		t.Fatalf("unexpected counters %+v", resp)
	}
	if len(producer.envelopes) != 1 {
		t.Fatalf("expected one envelope, got %d", len(producer.envelopes))
	}
	env := producer.envelopes[0]
	if env.ID == "" {
		t.Fatal("envelope must carry a correlation id")
	}
	if env.Decision.Handler != "diskspace" || env.Decision.Params["mount"] != "/" {
		t.Fatalf("unexpected routing decision %+v", env.Decision)
	}
}

func TestIntakeSuppressesRepeatedFiring(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{}
	handler, clk := newTestHandler(t, producer)

	if rec := post(handler, groupedPayload); rec.Code != http.StatusAccepted {
		t.Fatalf("first post: %d", rec.Code)
	}
	rec := post(handler, groupedPayload)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("second post: %d", rec.Code)
	}
	var resp intakeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 0 || resp.Suppressed != 1 {
		t.Fatalf("expected suppression, got %+v", resp)
	}
	if len(producer.envelopes) != 1 {
		t.Fatalf("suppressed alert must not be enqueued, got %d envelopes", len(producer.envelopes))
	}

	clk.Advance(6 * time.Minute)
	if rec := post(handler, groupedPayload); rec.Code != http.StatusAccepted {
		t.Fatalf("post after window: %d", rec.Code)
	}
	if len(producer.envelopes) != 2 {
		t.Fatal("alert must pass again after the window expires")
	}
}

func TestIntakeResolvedClearsThrottleAndPasses(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{}
	handler, _ := newTestHandler(t, producer)

	if rec := post(handler, groupedPayload); rec.Code != http.StatusAccepted {
		t.Fatalf("firing post: %d", rec.Code)
	}

	resolved := strings.ReplaceAll(groupedPayload, `"status": "firing"`, `"status": "resolved"`)
	if rec := post(handler, resolved); rec.Code != http.StatusAccepted {
		t.Fatalf("resolved post: %d", rec.Code)
	}
	if len(producer.envelopes) != 2 {
		t.Fatalf("resolved must always be enqueued, got %d envelopes", len(producer.envelopes))
	}

	// The resolve cleared the window, so the next firing passes immediately.
	if rec := post(handler, groupedPayload); rec.Code != http.StatusAccepted {
		t.Fatalf("re-firing post: %d", rec.Code)
	}
	if len(producer.envelopes) != 3 {
		t.Fatal("throttle must be cleared by the resolve")
	}
}

func TestIntakeRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{}
	handler, _ := newTestHandler(t, producer)

	rec := post(handler, `{"what": "is this"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unsupported payload shape") {
		t.Fatalf("diagnostic must name the expected shapes: %s", rec.Body.String())
	}
	if len(producer.envelopes) != 0 {
		t.Fatal("malformed batch must not enqueue anything")
	}
}

func TestIntakeQueueFailureIs503(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{err: errors.New("queue down")}
	handler, _ := newTestHandler(t, producer)

	rec := post(handler, groupedPayload)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestIntakeQueueFailureDoesNotLatchThrottle(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{err: errors.New("queue down")}
	handler, _ := newTestHandler(t, producer)

	if rec := post(handler, groupedPayload); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while queue is down, got %d", rec.Code)
	}

	// The upstream retries the same firing alert once the queue recovers.
	// The failed attempt must not have consumed the throttle window.
	producer.err = nil
	rec := post(handler, groupedPayload)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry after recovery: %d", rec.Code)
	}
	var resp intakeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 || resp.Suppressed != 0 {
		t.Fatalf("retry must pass the window, got %+v", resp)
	}
	if len(producer.envelopes) != 1 {
		t.Fatalf("retried alert must be enqueued, got %d envelopes", len(producer.envelopes))
	}
}

func TestIntakeRejectsWrongMethod(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{}
	handler, _ := newTestHandler(t, producer)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
