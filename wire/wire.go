// Package wire implements the JSON envelope used for all real-time
// communication between the preprocessing engine and its clients.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.jetify.com/typeid"
)

// Message types produced or consumed by the engine core. Other types are
// collaborator-specific and pass through the channel untouched.
const (
	TypeConnectionEstablished = "connection_established"
	TypeHeartbeat             = "heartbeat"
	TypeError                 = "error"

	TypeWorkflowStatusUpdate = "workflow_status_update"
	TypeWorkflowStepComplete = "workflow_step_complete"
	TypeWorkflowError        = "workflow_error"

	TypeHITLCheckpointCreated = "hitl_checkpoint_created"
	TypeHITLResponseRequired  = "hitl_response_required"
	TypeHITLResponseSubmitted = "hitl_response_submitted"
)

var (
	// ErrMalformedPayload indicates the raw bytes were not valid JSON.
	ErrMalformedPayload = errors.New("malformed message payload")

	// ErrSchemaViolation indicates valid JSON that does not satisfy the
	// envelope schema: "type" must be a string and "data" must be an object.
	ErrSchemaViolation = errors.New("message schema violation")
)

// Message is the unit of real-time transport.
type Message struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	MessageID string         `json:"message_id"`
}

// NewMessageID returns a new unique message identifier.
func NewMessageID() string {
	id, err := typeid.WithPrefix("msg")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Encode builds a Message of the given type, stamping the current time and a
// fresh message ID. It does not validate the type against the known set:
// unknown types are legal on the wire and rejected by handlers instead.
func Encode(msgType string, data map[string]any) *Message {
	if data == nil {
		data = map[string]any{}
	}
	return &Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		MessageID: NewMessageID(),
	}
}

// Marshal serializes the message to its wire form.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Decode parses and validates a raw wire message. It returns
// ErrMalformedPayload for non-JSON input and ErrSchemaViolation when the
// required fields are absent or of the wrong shape. Missing optional fields
// are filled with generation defaults.
func Decode(raw []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing required field: type", ErrSchemaViolation)
	}
	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return nil, fmt.Errorf("%w: type must be a string", ErrSchemaViolation)
	}

	rawData, ok := fields["data"]
	if !ok {
		return nil, fmt.Errorf("%w: missing required field: data", ErrSchemaViolation)
	}
	var data map[string]any
	if err := json.Unmarshal(rawData, &data); err != nil || data == nil {
		return nil, fmt.Errorf("%w: data must be an object", ErrSchemaViolation)
	}

	msg := &Message{Type: msgType, Data: data}

	if rawTS, ok := fields["timestamp"]; ok {
		if err := json.Unmarshal(rawTS, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: timestamp must be RFC 3339", ErrSchemaViolation)
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if rawID, ok := fields["message_id"]; ok {
		if err := json.Unmarshal(rawID, &msg.MessageID); err != nil {
			return nil, fmt.Errorf("%w: message_id must be a string", ErrSchemaViolation)
		}
	}
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID()
	}

	return msg, nil
}
