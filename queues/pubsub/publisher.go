package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"dps-allocation-webhook/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Publisher sends decision envelopes to the result topic. The client is created on first use.
type Publisher struct {
	projectID   string
	resultTopic string
	credsFile   string
	logger      zerolog.Logger

	mu     sync.Mutex
	client *gpubsub.Client
	topic  *gpubsub.Topic
}

func NewPublisher(projectID, resultTopic, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, resultTopic: resultTopic, credsFile: credsFile, logger: componentLogger("topic", resultTopic)}
}

func (p *Publisher) ensureTopic(ctx context.Context) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		return p.topic, nil
	}
	client, err := newClient(ctx, p.projectID, p.credsFile, p.logger)
	if err != nil {
		return nil, err
	}
	p.client = client
	p.topic = client.Topic(p.resultTopic)
	p.logger.Info().Msg("pubsub: publisher ready")
	return p.topic, nil
}

func (p *Publisher) PublishResult(ctx context.Context, res *queues.AllocationResult) error {
	topic, err := p.ensureTopic(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(res)
	if err != nil {
		p.logger.Error().Err(err).Str("requestId", res.RequestID).Msg("pubsub: decision envelope not encodable")
		return err
	}
	r := topic.Publish(ctx, &gpubsub.Message{
		Data:       b,
		Attributes: map[string]string{"type": res.Type, "status": string(res.Status), "source": string(res.Source)},
	})
	id, err := r.Get(ctx)
	if err != nil {
		p.logger.Error().Err(err).Str("requestId", res.RequestID).Msg("pubsub: publish failed")
		return err
	}
	p.logger.Debug().Str("messageID", id).Str("requestId", res.RequestID).Str("status", string(res.Status)).Msg("pubsub: decision published")
	return nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
