package allocator

import (
	"errors"
	"fmt"
	"math"
)

var ErrUnknownPolicy = errors.New("unknown payload policy")

// PayloadPolicy decides what, if anything, is returned as the decision payload.
// Implementations must tolerate missing or wrongly typed request fields.
type PayloadPolicy interface {
	Derive(req *Request) Payload
}

type PolicyFunc func(req *Request) Payload

func (f PolicyFunc) Derive(req *Request) Payload { return f(req) }

const (
	PolicyNone    = "none"
	PolicyExample = "example"
	PolicyStatic  = "static"
	PolicyEcho    = "echo"
)

func PolicyNames() []string {
	return []string{PolicyNone, PolicyExample, PolicyStatic, PolicyEcho}
}

// PolicyByName resolves a configured policy name. static is only used by the
// static policy and echo falls back to it when set, otherwise to no payload.
func PolicyByName(name string, static Payload) (PayloadPolicy, error) {
	switch name {
	case PolicyNone:
		return NoPayload(), nil
	case PolicyExample, "":
		return ExamplePayload(), nil
	case PolicyStatic:
		if static == nil {
			return nil, fmt.Errorf("static payload policy requires a payload record")
		}
		return StaticPayload(static), nil
	case PolicyEcho:
		if static != nil {
			return EchoDeviceData(StaticPayload(static)), nil
		}
		return EchoDeviceData(nil), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

func NoPayload() PayloadPolicy {
	return PolicyFunc(func(*Request) Payload { return nil })
}

// ExamplePayload returns the sample record the provisioning docs use to demonstrate payload delivery.
func ExamplePayload() PayloadPolicy {
	return StaticPayload(Payload{
		"hello": "world",
		"arr":   []any{1, 2, 3, 4, 5, 6},
		"num":   123,
	})
}

// StaticPayload returns a copy of p on every call.
func StaticPayload(p Payload) PayloadPolicy {
	src := clonePayload(p)
	return PolicyFunc(func(*Request) Payload { return clonePayload(src) })
}

// EchoDeviceData returns {"inputData": deviceRuntimeContext.data} when the enrollment's
// initial twin carries a truthy tags.returnData; otherwise it defers to fallback.
// A nil fallback means no payload.
func EchoDeviceData(fallback PayloadPolicy) PayloadPolicy {
	if fallback == nil {
		fallback = NoPayload()
	}
	return PolicyFunc(func(req *Request) Payload {
		if req == nil {
			return fallback.Derive(req)
		}
		twin, _ := req.Enrollment["initialTwin"].(map[string]any)
		tags, _ := twin["tags"].(map[string]any)
		if !truthy(tags["returnData"]) {
			return fallback.Derive(req)
		}
		data, ok := req.DeviceRuntime["data"]
		if !ok {
			return fallback.Derive(req)
		}
		return Payload{"inputData": cloneValue(data)}
	})
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0 && !math.IsNaN(t)
	case int:
		return t != 0
	default:
		return true
	}
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case Payload:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
