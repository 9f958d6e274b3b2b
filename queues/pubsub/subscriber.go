package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"dps-allocation-webhook/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// A non-nil handler error asks for redelivery.
type requestHandler = func(context.Context, *queues.AllocationRequest) error

var _ queues.Subscriber = (*Subscriber)(nil)

// Subscriber receives allocation request envelopes from a subscription.
type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	logger           zerolog.Logger

	client *gpubsub.Client
	sub    *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{
		projectID:        projectID,
		subscriptionName: subscriptionName,
		credsFile:        credsFile,
		logger:           componentLogger("subscription", subscriptionName),
	}
}

// Start blocks receiving messages until ctx is done or the subscription fails.
func (s *Subscriber) Start(ctx context.Context, handler requestHandler) error {
	if s.sub == nil {
		client, err := newClient(ctx, s.projectID, s.credsFile, s.logger)
		if err != nil {
			return err
		}
		s.client = client
		s.sub = client.Subscription(s.subscriptionName)
		s.logger.Info().Msg("pubsub: subscriber ready")
	}
	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		if s.dispatch(ctx, m.ID, m.Data, handler) {
			m.Ack()
		} else {
			m.Nack()
		}
	})
}

// dispatch reports whether the message should be acked. Envelopes without a
// requestId cannot be answered and are acked so they are not redelivered.
func (s *Subscriber) dispatch(ctx context.Context, messageID string, data []byte, handler requestHandler) bool {
	logger := s.logger.With().Str("messageID", messageID).Logger()
	var req queues.AllocationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logger.Error().Err(err).Int("size", len(data)).Msg("pubsub: undecodable request envelope")
		return false
	}
	if req.RequestID == "" {
		logger.Error().Msg("pubsub: request envelope missing requestId; dropping")
		return true
	}

	start := time.Now()
	if err := handler(ctx, &req); err != nil {
		logger.Error().Err(err).Str("requestId", req.RequestID).Msg("pubsub: handler failed; nacking")
		return false
	}
	logger.Debug().Str("requestId", req.RequestID).Dur("latency", time.Since(start)).Msg("pubsub: request handled")
	return true
}

func (s *Subscriber) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
