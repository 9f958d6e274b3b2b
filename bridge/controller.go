package bridge

import (
	"context"
	"fmt"
	"time"

	"dps-allocation-webhook/allocator"
	"dps-allocation-webhook/metrics"
	"dps-allocation-webhook/queues"
	"dps-allocation-webhook/wire"

	"github.com/rs/zerolog/log"
)

// Evaluator is the allocation core as seen by the bridge.
type Evaluator interface {
	Evaluate(ctx context.Context, req *allocator.Request) *allocator.Decision
}

// Controller evaluates allocation requests received over Pub/Sub and publishes the decisions.
type Controller struct {
	publisher queues.Publisher
	evaluator Evaluator
}

func NewController(p queues.Publisher, ev Evaluator) *Controller {
	return &Controller{publisher: p, evaluator: ev}
}

// publishFailure publishes a Failure envelope for a request that could not be evaluated.
func (c *Controller) publishFailure(ctx context.Context, req *queues.AllocationRequest, reason string, message string) error {
	metrics.RejectedTotal.WithLabelValues(reason).Inc()
	res := queues.NewFailure(req.RequestID, queues.SourcePubSub, message)
	err := c.publisher.PublishResult(ctx, res)
	metrics.PublishedTotal.WithLabelValues(metrics.PublishLabel(err)).Inc()
	if err != nil {
		log.Error().Err(err).Str("requestId", req.RequestID).Msg("controller: failed to publish failure result")
		return err
	}
	return nil
}

// Handle returns an error only when publishing fails, so the message is redelivered.
func (c *Controller) Handle(ctx context.Context, req *queues.AllocationRequest) error {
	start := time.Now()
	logger := log.With().Str("requestId", req.RequestID).Logger()
	ctx = logger.WithContext(ctx)
	logger.Info().Int("bodySize", len(req.Body)).Msg("controller: handling allocation request")

	areq, err := wire.DecodeRequest(req.Body)
	if err != nil {
		logger.Warn().Err(err).Msg("controller: malformed allocation request body")
		return c.publishFailure(ctx, req, "malformed_body", err.Error())
	}

	decision := c.evaluator.Evaluate(ctx, areq)
	if _, err := wire.EncodeResponse(decision); err != nil {
		logger.Error().Err(err).Msg("controller: decision could not be encoded")
		return c.publishFailure(ctx, req, wire.RejectReason(err), fmt.Sprintf("invalid decision: %v", err))
	}

	duration := time.Since(start)
	metrics.EvaluationDuration.Observe(duration.Seconds())
	metrics.LinkedHubs.Observe(float64(len(areq.LinkedHubs)))
	metrics.DecisionsTotal.WithLabelValues(string(decision.Outcome()), metrics.PayloadLabel(decision.Payload != nil), string(queues.SourcePubSub)).Inc()

	res := queues.NewSuccess(req.RequestID, queues.SourcePubSub, wire.FromDecision(decision))
	err = c.publisher.PublishResult(ctx, res)
	metrics.PublishedTotal.WithLabelValues(metrics.PublishLabel(err)).Inc()
	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("controller: failed to publish result")
		return err
	}
	logger.Info().Str("iotHubHostName", decision.IoTHubHostName).Str("outcome", string(decision.Outcome())).Dur("duration", duration).Msg("controller: allocation decided")
	return nil
}
