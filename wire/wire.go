// Package wire holds the JSON contract between the provisioning service and the
// custom allocation webhook. Field names are fixed by the provisioning service.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"dps-allocation-webhook/allocator"

	"k8s.io/apimachinery/pkg/util/validation"
)

var (
	ErrMalformedBody = errors.New("malformed allocation request body")
	ErrPayloadShape  = errors.New("payload must be an object or null")
	ErrEncode        = errors.New("allocation response is not encodable")
)

const (
	fieldLinkedHubs           = "linkedHubs"
	fieldEnrollmentGroup      = "enrollmentGroup"
	fieldIndividualEnrollment = "individualEnrollment"
	fieldDeviceRuntimeContext = "deviceRuntimeContext"
)

type Response struct {
	IoTHubHostName string                `json:"iotHubHostName"`
	InitialTwin    allocator.InitialTwin `json:"initialTwin"`
	Payload        allocator.Payload     `json:"payload"`
}

func FromDecision(d *allocator.Decision) *Response {
	if d == nil {
		d = &allocator.Decision{InitialTwin: allocator.InitialTwin{Tags: allocator.TwinTags{TwinReturnedFromWebhook: true}}}
	}
	return &Response{
		IoTHubHostName: d.IoTHubHostName,
		InitialTwin:    d.InitialTwin,
		Payload:        d.Payload,
	}
}

// DecodeRequest accepts any JSON object. Unknown fields are ignored and
// wrongly typed known fields are treated as absent.
func DecodeRequest(body []byte) (*allocator.Request, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformedBody)
	}

	req := &allocator.Request{
		LinkedHubs:    stringsOf(obj[fieldLinkedHubs]),
		DeviceRuntime: objectOf(obj[fieldDeviceRuntimeContext]),
	}
	req.Enrollment = objectOf(obj[fieldEnrollmentGroup])
	if req.Enrollment == nil {
		req.Enrollment = objectOf(obj[fieldIndividualEnrollment])
	}
	return req, nil
}

// HubWarnings lists linked hubs that are not valid DNS names. They are still eligible for selection.
func HubWarnings(hubs []string) []string {
	var out []string
	for _, h := range hubs {
		if errs := validation.IsDNS1123Subdomain(h); len(errs) > 0 {
			out = append(out, fmt.Sprintf("%q: %s", h, errs[0]))
		}
	}
	return out
}

// EncodeResponse marshals the decision and applies the payload shape rule to the result.
func EncodeResponse(d *allocator.Decision) ([]byte, error) {
	b, err := json.Marshal(FromDecision(d))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if err := CheckResponse(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RejectReason maps an EncodeResponse error to its metrics label.
func RejectReason(err error) string {
	if errors.Is(err, ErrEncode) {
		return "encode_error"
	}
	return "payload_shape"
}

// CheckResponse applies the provisioning service's acceptance rule to a serialized response.
func CheckResponse(body []byte) error {
	var r struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return CheckPayload(r.Payload)
}

// CheckPayload accepts a missing payload, null or an object. Anything else is rejected.
func CheckPayload(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: invalid JSON", ErrPayloadShape)
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: got %s", ErrPayloadShape, kindOf(trimmed[0]))
	}
	return nil
}

func kindOf(first byte) string {
	switch first {
	case '"':
		return "string"
	case '[':
		return "array"
	case 't', 'f':
		return "boolean"
	default:
		return "number"
	}
}

func stringsOf(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func objectOf(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
