// Package signaling defines the websocket wire protocol shared by the
// consultation relay and its clients.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client to server events.
const (
	EventJoin        = "join-consultation"
	EventLeave       = "leave-consultation"
	EventToggleAudio = "toggle-audio"
	EventToggleVideo = "toggle-video"
)

// Point-to-point negotiation events, relayed in both directions.
const (
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
)

// Server to client events.
const (
	EventExistingParticipants = "existing-participants"
	EventUserJoined           = "user-joined"
	EventUserLeft             = "user-left"
	EventPeerAudioToggle      = "peer-audio-toggle"
	EventPeerVideoToggle      = "peer-video-toggle"
	EventSessionState         = "session-state"
	EventConsultationEnded    = "consultation-ended"
	EventSessionReplaced      = "session-replaced"
	EventError                = "error"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload is sent by a client to enter a consultation room.
type JoinPayload struct {
	AppointmentID string `json:"appointmentId"`
	UserID        string `json:"userId,omitempty"`
	UserType      string `json:"userType,omitempty"`
}

// RoomPayload carries only the room reference (leave-consultation).
type RoomPayload struct {
	AppointmentID string `json:"appointmentId"`
}

// Participant describes another socket present in the room.
type Participant struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId,omitempty"`
	Role     string `json:"role,omitempty"`
}

// SignalPayload is an offer, answer or ICE candidate. The SDP and candidate
// bodies are opaque to the relay.
type SignalPayload struct {
	AppointmentID string          `json:"appointmentId"`
	Offer         json.RawMessage `json:"offer,omitempty"`
	Answer        json.RawMessage `json:"answer,omitempty"`
	Candidate     json.RawMessage `json:"candidate,omitempty"`
	To            string          `json:"to,omitempty"`
	From          string          `json:"from,omitempty"`
}

// TogglePayload announces a local media track being enabled or disabled.
type TogglePayload struct {
	AppointmentID string `json:"appointmentId"`
	Enabled       bool   `json:"enabled"`
	From          string `json:"from,omitempty"`
}

// SessionStatePayload mirrors a lifecycle transition of the session.
type SessionStatePayload struct {
	AppointmentID string     `json:"appointmentId"`
	State         string     `json:"state"`
	InProgress    bool       `json:"inProgress"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	Participants  int        `json:"participants"`
}

// EndedPayload is sent to every remaining socket when a consultation is ended.
type EndedPayload struct {
	AppointmentID   string `json:"appointmentId"`
	DurationSeconds int64  `json:"durationSeconds"`
	Duration        string `json:"duration"`
}

// ErrorPayload reports a rejected request to the sender.
type ErrorPayload struct {
	Code     string     `json:"code"`
	Reason   string     `json:"reason,omitempty"`
	Message  string     `json:"message"`
	Category string     `json:"category,omitempty"`
	OpensAt  *time.Time `json:"opensAt,omitempty"`
}

// Encode wraps payload into an envelope for event.
func Encode(event string, payload interface{}) (WSMessage, error) {
	switch v := payload.(type) {
	case nil:
		return WSMessage{Event: event}, nil
	case json.RawMessage:
		return WSMessage{Event: event, Data: v}, nil
	case []byte:
		return WSMessage{Event: event, Data: v}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return WSMessage{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope data into v.
func (m WSMessage) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Event, err)
	}
	return nil
}
