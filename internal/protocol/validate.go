package protocol

import (
	"encoding/json"
	"fmt"
)

// InvalidFrameError describes why an inbound frame was rejected.
type InvalidFrameError struct {
	Reason string
}

func (e *InvalidFrameError) Error() string {
	return "invalid frame: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &InvalidFrameError{Reason: fmt.Sprintf(format, args...)}
}

// DecodeInbound parses and validates a frame received from a device.
// Only device-originated types are accepted.
func DecodeInbound(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, invalid("malformed json")
	}

	switch f.Type {
	case TypeStatus:
		if len(f.Payload) > 0 && string(f.Payload) != "null" {
			var p StatusPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				return Frame{}, invalid("status payload: %v", err)
			}
		}
	case TypeData:
		var p DataPayload
		if err := f.ParsePayload(&p); err != nil {
			return Frame{}, invalid("data payload: %v", err)
		}
		if p.Stream == "" {
			return Frame{}, invalid("data payload: missing stream")
		}
	case TypeControlAck:
		if _, err := f.Ack(); err != nil {
			return Frame{}, err
		}
	case TypeError:
		var p ErrorPayload
		if err := f.ParsePayload(&p); err != nil {
			return Frame{}, invalid("error payload: %v", err)
		}
	case "":
		return Frame{}, invalid("missing type")
	default:
		return Frame{}, invalid("unknown type %q", f.Type)
	}
	return f, nil
}

// Ack parses and validates a control_ack payload.
func (f *Frame) Ack() (ControlAckPayload, error) {
	var p ControlAckPayload
	if err := f.ParsePayload(&p); err != nil {
		return p, invalid("control_ack payload: %v", err)
	}
	if p.CommandID == "" {
		return p, invalid("control_ack payload: missing command_id")
	}
	if p.Status != AckExecuted && p.Status != AckFailed {
		return p, invalid("control_ack payload: unknown status %q", p.Status)
	}
	return p, nil
}

// ErrorFrame builds an error frame. It cannot fail.
func ErrorFrame(code, message string) Frame {
	f, _ := NewFrame(TypeError, ErrorPayload{Code: code, Message: message})
	return f
}
