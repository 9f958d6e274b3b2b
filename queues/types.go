package queues

import (
	"context"
	"encoding/json"

	"dps-allocation-webhook/wire"
)

const (
	EnvelopeVersion        = "1.0"
	TypeAllocationDecision = "allocation-decision"
)

// AllocationRequest carries a webhook body received over Pub/Sub.
type AllocationRequest struct {
	RequestID string          `json:"requestId"`
	Body      json.RawMessage `json:"body"`
}

type AllocationStatus string

const (
	StatusSuccess AllocationStatus = "Success"
	StatusFailure AllocationStatus = "Failure"
)

// Source tells consumers which host produced the decision.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePubSub  Source = "pubsub"
)

type AllocationResult struct {
	EnvelopeVersion string           `json:"envelopeVersion"`
	Type            string           `json:"type"`
	RequestID       string           `json:"requestId"`
	Source          Source           `json:"source,omitempty"`
	Status          AllocationStatus `json:"status"`
	Response        *wire.Response   `json:"response,omitempty"`
	ErrorMessage    *string          `json:"errorMessage,omitempty"`
}

func NewSuccess(requestID string, source Source, resp *wire.Response) *AllocationResult {
	return &AllocationResult{
		EnvelopeVersion: EnvelopeVersion,
		Type:            TypeAllocationDecision,
		RequestID:       requestID,
		Source:          source,
		Status:          StatusSuccess,
		Response:        resp,
	}
}

func NewFailure(requestID string, source Source, message string) *AllocationResult {
	return &AllocationResult{
		EnvelopeVersion: EnvelopeVersion,
		Type:            TypeAllocationDecision,
		RequestID:       requestID,
		Source:          source,
		Status:          StatusFailure,
		ErrorMessage:    &message,
	}
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *AllocationRequest) error) error
}

type Publisher interface {
	PublishResult(ctx context.Context, res *AllocationResult) error
}
