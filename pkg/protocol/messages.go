package protocol

import (
	"github.com/billm/recbridge/pkg/types"
)

// AnalyticEvent records a user interaction
type AnalyticEvent struct {
	Action   string         `json:"action"`
	Target   string         `json:"target"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GetRecommendationsRequest asks the server for recommendations for a user
type GetRecommendationsRequest struct {
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id"`
}

// RecommendationsResponse answers a GetRecommendationsRequest
type RecommendationsResponse struct {
	RequestID       string   `json:"request_id,omitempty"`
	UserID          string   `json:"user_id,omitempty"`
	Recommendations []string `json:"recommendations"`
}

// StateData is the state snapshot the server asks the client to persist
type StateData struct {
	AnalyticsCount  int               `json:"analytics_count"`
	UserPreferences map[string]string `json:"user_preferences"`
}

// SaveStateRequest is the server push carrying StateData. On envelope
// transports the StateData itself is the envelope payload.
type SaveStateRequest struct {
	Data StateData `json:"data"`
}

// ClientMessage is the client-to-server tagged union used by the gRPC stream.
// Exactly one field is set.
type ClientMessage struct {
	AnalyticEvent      *AnalyticEvent             `json:"analytic_event,omitempty"`
	GetRecommendations *GetRecommendationsRequest `json:"get_recommendations,omitempty"`
}

// ServerMessage is the server-to-client tagged union used by the gRPC stream.
// Exactly one field is set.
type ServerMessage struct {
	RecommendationsResponse *RecommendationsResponse `json:"recommendations_response,omitempty"`
	SaveState               *SaveStateRequest        `json:"save_state,omitempty"`
}

// Validate checks that exactly one variant is populated
func (m *ClientMessage) Validate() error {
	return exactlyOne("client message", m.AnalyticEvent != nil, m.GetRecommendations != nil)
}

// Validate checks that exactly one variant is populated
func (m *ServerMessage) Validate() error {
	return exactlyOne("server message", m.RecommendationsResponse != nil, m.SaveState != nil)
}

func exactlyOne(what string, set ...bool) error {
	n := 0
	for _, s := range set {
		if s {
			n++
		}
	}
	switch n {
	case 1:
		return nil
	case 0:
		return types.NewError(types.ErrCodeInvalid, what+" has no variant set")
	default:
		return types.NewError(types.ErrCodeInvalid, what+" has more than one variant set")
	}
}

// ToEnvelope converts the tagged union to an envelope
func (m *ClientMessage) ToEnvelope() (*Envelope, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.AnalyticEvent != nil {
		return NewEnvelope(TypeAnalyticEvent, "", m.AnalyticEvent)
	}
	return NewEnvelope(TypeGetRecommendations, m.GetRecommendations.RequestID, m.GetRecommendations)
}

// ToEnvelope converts the tagged union to an envelope
func (m *ServerMessage) ToEnvelope() (*Envelope, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.RecommendationsResponse != nil {
		return NewEnvelope(TypeRecommendationsResponse, m.RecommendationsResponse.RequestID, m.RecommendationsResponse)
	}
	return NewEnvelope(TypeSaveState, "", m.SaveState.Data)
}

// ClientMessageFromEnvelope builds the tagged union for a client-originated envelope
func ClientMessageFromEnvelope(env *Envelope) (*ClientMessage, error) {
	switch env.Type {
	case TypeAnalyticEvent:
		var ev AnalyticEvent
		if err := env.Decode(&ev); err != nil {
			return nil, err
		}
		return &ClientMessage{AnalyticEvent: &ev}, nil
	case TypeGetRecommendations:
		var req GetRecommendationsRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		if req.RequestID == "" {
			req.RequestID = env.RequestID
		}
		return &ClientMessage{GetRecommendations: &req}, nil
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, "message type not sent by clients: "+string(env.Type))
	}
}

// ServerMessageFromEnvelope builds the tagged union for a server-originated envelope
func ServerMessageFromEnvelope(env *Envelope) (*ServerMessage, error) {
	switch env.Type {
	case TypeRecommendationsResponse:
		var resp RecommendationsResponse
		if err := env.Decode(&resp); err != nil {
			return nil, err
		}
		if resp.RequestID == "" {
			resp.RequestID = env.RequestID
		}
		return &ServerMessage{RecommendationsResponse: &resp}, nil
	case TypeSaveState:
		var data StateData
		if err := env.Decode(&data); err != nil {
			return nil, err
		}
		return &ServerMessage{SaveState: &SaveStateRequest{Data: data}}, nil
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, "message type not sent by servers: "+string(env.Type))
	}
}
