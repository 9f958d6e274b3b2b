package allocator

// Request is the provisioning context handed to the evaluator.
// Decoded from the webhook body by the wire package; the evaluator only reads it.
type Request struct {
	LinkedHubs    []string
	Enrollment    map[string]any
	DeviceRuntime map[string]any
}

// Payload is the optional record echoed back to the device.
// A nil Payload means "no payload"; there is no way to express a bare scalar.
type Payload map[string]any

type TwinTags struct {
	TwinReturnedFromWebhook bool `json:"twinReturnedFromWebhook"`
}

type InitialTwin struct {
	Tags TwinTags `json:"tags"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	// Empty when no linked hubs were supplied
	IoTHubHostName string
	InitialTwin    InitialTwin
	Payload        Payload
}

// Outcome labels used for logging and metrics
type Outcome string

const (
	OutcomeSelected Outcome = "Selected"
	OutcomeNoTarget Outcome = "NoTarget"
)

func (d *Decision) Outcome() Outcome {
	if d == nil || d.IoTHubHostName == "" {
		return OutcomeNoTarget
	}
	return OutcomeSelected
}
