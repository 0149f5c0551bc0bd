// Package protocol defines the messages exchanged between a recbridge
// client and server, independent of the transport carrying them.
package protocol

import (
	"encoding/json"

	"github.com/billm/recbridge/pkg/types"
)

// MessageType is the envelope discriminator
type MessageType string

const (
	TypeAnalyticEvent           MessageType = "analytic_event"
	TypeGetRecommendations      MessageType = "get_recommendations"
	TypeRecommendationsResponse MessageType = "recommendations_response"
	TypeSaveState               MessageType = "save_state"
)

// String returns the string representation of the message type
func (t MessageType) String() string {
	return string(t)
}

// Envelope is the outer wrapper of every message on the wire
type Envelope struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a new envelope. A nil payload leaves Data empty.
func NewEnvelope(t MessageType, requestID string, payload any) (*Envelope, error) {
	env := &Envelope{Type: t, RequestID: requestID}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to encode "+string(t)+" payload", err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope payload into out
func (e *Envelope) Decode(out any) error {
	if len(e.Data) == 0 {
		return types.NewError(types.ErrCodeInvalid, "envelope "+string(e.Type)+" has no data")
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return types.WrapError(types.ErrCodeInvalid, "malformed "+string(e.Type)+" payload", err)
	}
	return nil
}

// Marshal encodes the envelope as JSON
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to encode envelope", err)
	}
	return data, nil
}

// Unmarshal parses a JSON envelope. A missing type is rejected.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "malformed envelope", err)
	}
	if env.Type == "" {
		return nil, types.NewError(types.ErrCodeInvalid, "envelope missing type")
	}
	return &env, nil
}
