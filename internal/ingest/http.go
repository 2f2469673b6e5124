// Package ingest exposes the HTTP intake endpoint: it normalizes
// incoming payloads, applies throttling, routes each alert, and hands
// accepted envelopes to the delivery queue.
package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
	"alertflow/internal/queue"
	"alertflow/internal/route"
	"alertflow/internal/throttle"
)

// Handler accepts alert batches over HTTP.
// Params: throttle store, router, queue producer, and intake policy.
// Returns: http.Handler for the alerts endpoint.
type Handler struct {
	throttle     throttle.Store
	router       *route.Router
	producer     queue.Producer
	clk          clock.Clock
	window       time.Duration
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewHandler builds the intake handler.
// Params: throttle store, router, producer, clock, throttle window,
// body size cap, logger.
// Returns: handler ready for mux registration.
func NewHandler(
	throttleStore throttle.Store,
	router *route.Router,
	producer queue.Producer,
	clk clock.Clock,
	window time.Duration,
	maxBodyBytes int64,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		throttle:     throttleStore,
		router:       router,
		producer:     producer,
		clk:          clk,
		window:       window,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// intakeResponse is the JSON body returned for accepted batches.
// Params: per-batch counters.
// Returns: intake outcome summary.
type intakeResponse struct {
	Accepted   int `json:"accepted"`
	Suppressed int `json:"suppressed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ServeHTTP handles one intake request.
// Params: response writer and request.
// Returns: 202 with counters, 400 with a shape diagnostic, 405, or 503.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read request body: " + err.Error()})
		return
	}

	now := h.clk.Now()
	alerts, err := domain.DecodeBatch(body, now)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedInput) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "decode alerts: " + err.Error()})
		return
	}

	var resp intakeResponse
	for _, alert := range alerts {
		ctx := r.Context()

		if alert.Status == domain.StatusFiring {
			pass, suppressed, err := h.throttle.Acquire(ctx, alert.Fingerprint, h.window)
			if err != nil {
				h.logger.Warn("throttle check failed, passing alert through", "fingerprint", alert.Fingerprint, "error", err.Error())
			} else if !pass {
				resp.Suppressed++
				h.logger.Debug("alert suppressed by throttle window",
					"fingerprint", alert.Fingerprint,
					"alert", alert.Name,
					"suppressed_count", suppressed,
				)
				continue
			}
		} else {
			// Resolutions clear the window and always go through.
			if err := h.throttle.Clear(ctx, alert.Fingerprint); err != nil {
				h.logger.Warn("throttle clear failed", "fingerprint", alert.Fingerprint, "error", err.Error())
			}
		}

		env := queue.Envelope{
			ID:         uuid.NewString(),
			Alert:      alert,
			Decision:   h.router.Route(alert),
			EnqueuedAt: now,
		}
		if err := h.producer.Enqueue(ctx, env); err != nil {
			h.logger.Error("enqueue failed", "fingerprint", alert.Fingerprint, "error", err.Error())
			// The throttle entry must not outlive a failed enqueue:
			// the upstream retries on 503 and has to pass the window.
			if alert.Status == domain.StatusFiring {
				if clearErr := h.throttle.Clear(ctx, alert.Fingerprint); clearErr != nil {
					h.logger.Warn("throttle clear after enqueue failure failed", "fingerprint", alert.Fingerprint, "error", clearErr.Error())
				}
			}
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "queue unavailable"})
			return
		}
		resp.Accepted++
		h.logger.Info("alert accepted",
			"envelope_id", env.ID,
			"fingerprint", alert.Fingerprint,
			"alert", alert.Name,
			"status", string(alert.Status),
			"handler", env.Decision.Handler,
			"rule", env.Decision.Rule,
		)
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// writeJSON writes one JSON response with status code.
// Params: writer, status, and payload.
// Returns: encode errors are ignored after headers are sent.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
