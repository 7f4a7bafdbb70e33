// Package protocol defines the WebSocket frames exchanged between devices and fleetlink.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame is the envelope for all WebSocket messages.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame creates a frame with the given type and payload.
func NewFrame(frameType string, payload any) (Frame, error) {
	f := Frame{Type: frameType, Timestamp: time.Now().UTC()}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	f.Payload = data
	return f, nil
}

// ParsePayload unmarshals the payload into the given target.
func (f *Frame) ParsePayload(target any) error {
	if len(f.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(f.Payload, target)
}

// Frame types (device → fleetlink)
const (
	TypeStatus     = "status"
	TypeData       = "data"
	TypeControlAck = "control_ack"
)

// Frame types (fleetlink → device)
const (
	TypeCommand = "command"
)

// TypeError travels in both directions.
const TypeError = "error"

// Ack statuses carried by control_ack frames.
const (
	AckExecuted = "executed"
	AckFailed   = "failed"
)

// CodeInvalidFrame is the error frame code for unparseable device frames.
const CodeInvalidFrame = "invalid_frame"

// StatusPayload is the optional body of a status/keepalive frame.
type StatusPayload struct {
	State  string         `json:"state,omitempty"`
	Uptime int64          `json:"uptime,omitempty"` // seconds
	Info   map[string]any `json:"info,omitempty"`
}

// DataPayload carries structured telemetry.
type DataPayload struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// CommandPayload is sent to a device to run a command.
type CommandPayload struct {
	CommandID string          `json:"command_id"`
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
	Priority  int             `json:"priority"`
	Attempt   int             `json:"attempt"`
}

// ControlAckPayload reports the outcome of a command.
type ControlAckPayload struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"` // executed | failed
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorPayload describes a rejected frame or a failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
