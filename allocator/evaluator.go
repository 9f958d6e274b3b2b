package allocator

import (
	"context"

	"github.com/rs/zerolog"
)

// Evaluator picks one linked hub per request and derives the twin and payload.
// It keeps no per-request state; one instance is shared by all hosts.
type Evaluator struct {
	source IndexSource
	policy PayloadPolicy
}

type Option func(*Evaluator)

func WithIndexSource(src IndexSource) Option {
	return func(e *Evaluator) {
		if src != nil {
			e.source = src
		}
	}
}

func WithPayloadPolicy(p PayloadPolicy) Option {
	return func(e *Evaluator) {
		if p != nil {
			e.policy = p
		}
	}
}

// NewEvaluator defaults to the global random source and the example payload.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{source: DefaultSource(), policy: ExamplePayload()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate never fails. Trace lines go to the logger attached to ctx, if any.
func (e *Evaluator) Evaluate(ctx context.Context, req *Request) *Decision {
	logger := zerolog.Ctx(ctx)
	if req == nil {
		req = &Request{}
	}
	registrationID, _ := req.DeviceRuntime["registrationId"].(string)
	logger.Debug().
		Strs("linkedHubs", req.LinkedHubs).
		Str("registrationId", registrationID).
		Bool("hasEnrollment", req.Enrollment != nil).
		Bool("hasDeviceRuntime", req.DeviceRuntime != nil).
		Msg("evaluator: input")

	d := &Decision{
		IoTHubHostName: e.selectHub(req.LinkedHubs),
		InitialTwin:    InitialTwin{Tags: TwinTags{TwinReturnedFromWebhook: true}},
		Payload:        e.policy.Derive(req),
	}
	if d.IoTHubHostName != "" {
		logger.Info().Str("iotHubHostName", d.IoTHubHostName).Int("candidates", len(req.LinkedHubs)).Msg("evaluator: selected hub")
	} else {
		logger.Info().Msg("evaluator: no linked hubs; leaving hub unset")
	}
	logger.Debug().
		Str("iotHubHostName", d.IoTHubHostName).
		Str("outcome", string(d.Outcome())).
		Bool("payload", d.Payload != nil).
		Msg("evaluator: output")
	return d
}

func (e *Evaluator) selectHub(hubs []string) string {
	n := len(hubs)
	if n == 0 {
		return ""
	}
	i := e.source.IntN(n) % n
	if i < 0 {
		i += n
	}
	return hubs[i]
}
