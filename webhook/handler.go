package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"dps-allocation-webhook/allocator"
	"dps-allocation-webhook/metrics"
	"dps-allocation-webhook/queues"
	"dps-allocation-webhook/tracing"
	"dps-allocation-webhook/wire"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxBodyBytes   = 1 << 20
	publishTimeout = 10 * time.Second
)

// Evaluator is the allocation core as seen by the HTTP host.
type Evaluator interface {
	Evaluate(ctx context.Context, req *allocator.Request) *allocator.Decision
}

type Handler struct {
	evaluator Evaluator
	publisher queues.Publisher
	logger    zerolog.Logger
	timeout   time.Duration

	inflight sync.WaitGroup
}

// New builds the webhook handler. publisher may be nil.
func New(ev Evaluator, publisher queues.Publisher, logger zerolog.Logger) *Handler {
	return &Handler{evaluator: ev, publisher: publisher, logger: logger, timeout: 30 * time.Second}
}

// Register mounts the allocation routes. /api/allocate matches the default Functions route.
func (h *Handler) Register(r chi.Router) {
	r.Post("/allocate", h.HandleAllocate)
	r.Post("/api/allocate", h.HandleAllocate)
}

// Routes returns a router with recovery and timeout middleware around the allocation routes.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.timeout))
	h.Register(r)
	return r
}

func (h *Handler) HandleAllocate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get(middleware.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := h.logger.With().Str("requestId", requestID).Logger()
	ctx := logger.WithContext(r.Context())
	ctx, span := tracing.StartSpan(ctx, "allocate", attribute.String("request.id", requestID))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(ctx, w, http.StatusRequestEntityTooLarge, "too_large", err)
		} else {
			h.reject(ctx, w, http.StatusBadRequest, "malformed_body", err)
		}
		tracing.EndSpan(span, err)
		return
	}

	req, err := wire.DecodeRequest(body)
	if err != nil {
		h.reject(ctx, w, http.StatusBadRequest, "malformed_body", err)
		tracing.EndSpan(span, err)
		return
	}
	logger.Info().RawJSON("body", compact(body)).Msg("webhook: input data")
	for _, warn := range wire.HubWarnings(req.LinkedHubs) {
		logger.Warn().Str("hub", warn).Msg("webhook: linked hub is not a valid DNS name")
	}

	decision := h.evaluator.Evaluate(ctx, req)
	out, err := wire.EncodeResponse(decision)
	if err != nil {
		h.reject(ctx, w, http.StatusInternalServerError, wire.RejectReason(err), err)
		tracing.EndSpan(span, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)

	duration := time.Since(start)
	metrics.EvaluationDuration.Observe(duration.Seconds())
	metrics.LinkedHubs.Observe(float64(len(req.LinkedHubs)))
	metrics.DecisionsTotal.WithLabelValues(string(decision.Outcome()), metrics.PayloadLabel(decision.Payload != nil), string(queues.SourceWebhook)).Inc()
	span.SetAttributes(
		attribute.Int("linkedHubs", len(req.LinkedHubs)),
		attribute.String("iotHubHostName", decision.IoTHubHostName),
	)
	tracing.EndSpan(span, nil)
	logger.Info().RawJSON("response", out).Dur("duration", duration).Msg("webhook: output result")

	if h.publisher != nil {
		h.publish(ctx, queues.NewSuccess(requestID, queues.SourceWebhook, wire.FromDecision(decision)))
	}
}

// publish records the decision without holding up the response.
func (h *Handler) publish(ctx context.Context, res *queues.AllocationResult) {
	logger := zerolog.Ctx(ctx)
	ctx = context.WithoutCancel(ctx)
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		err := h.publisher.PublishResult(ctx, res)
		metrics.PublishedTotal.WithLabelValues(metrics.PublishLabel(err)).Inc()
		if err != nil {
			logger.Error().Err(err).Msg("webhook: failed to publish decision")
		}
	}()
}

// Wait blocks until in-flight decision publishes finish or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func compact(b []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return b
	}
	return buf.Bytes()
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) reject(ctx context.Context, w http.ResponseWriter, status int, reason string, err error) {
	metrics.RejectedTotal.WithLabelValues(reason).Inc()
	zerolog.Ctx(ctx).Warn().Err(err).Int("status", status).Str("reason", reason).Msg("webhook: request rejected")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}
