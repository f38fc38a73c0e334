package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	// client -> relay
	EventInitiate  EventType = "initiate"
	EventAnswer    EventType = "answer"
	EventConnected EventType = "connected"

	// relay -> client
	EventInitiated      EventType = "initiated"
	EventIncoming       EventType = "incoming"
	EventAnswered       EventType = "answered"
	EventMissed         EventType = "missed"
	EventDeliveryFailed EventType = "delivery-failed"
	EventCallError      EventType = "call-error"

	// both directions
	EventHangup       EventType = "hangup"
	EventMediaControl EventType = "media-control"
	EventOffer        EventType = "offer"
	EventAnswerSDP    EventType = "answer-sdp"
	EventICECandidate EventType = "ice-candidate"
	EventRequestOffer EventType = "request-offer"
)

// Frame is the unit written to and read from a relay connection.
type Frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is an outbound relay event before encoding.
type Event struct {
	Type    EventType
	Payload any
}

func (e Event) Frame() (Frame, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: e.Type, Payload: raw}, nil
}

type InitiateRequest struct {
	RecipientID UserID   `json:"recipientId"`
	CallType    CallType `json:"callType"`
	CallID      CallID   `json:"callId,omitempty"`
}

type AnswerRequest struct {
	CallerID UserID `json:"callerId"`
	CallID   CallID `json:"callId"`
	Accept   bool   `json:"accept"`
}

type HangupRequest struct {
	CallID   CallID `json:"callId"`
	ToUserID UserID `json:"toUserId,omitempty"`
}

type ConnectedRequest struct {
	CallID CallID `json:"callId"`
}

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type MediaControlRequest struct {
	CallID   CallID    `json:"callId"`
	ToUserID UserID    `json:"toUserId"`
	Kind     MediaKind `json:"kind"`
	Muted    bool      `json:"muted"`
}

// InitiatedPayload acknowledges an accepted initiate to the caller's
// originating connection.
type InitiatedPayload struct {
	CallID      CallID    `json:"callId"`
	RecipientID UserID    `json:"recipientId"`
	CallType    CallType  `json:"callType"`
	State       CallState `json:"state"`
}

type IncomingPayload struct {
	CallID     CallID     `json:"callId"`
	CallType   CallType   `json:"callType"`
	FromUserID UserID     `json:"fromUserId"`
	CallerInfo CallerInfo `json:"callerInfo"`
	Timestamp  time.Time  `json:"timestamp"`
}

type AnsweredPayload struct {
	CallID     CallID    `json:"callId"`
	FromUserID UserID    `json:"fromUserId"`
	Accept     bool      `json:"accept"`
	Timestamp  time.Time `json:"timestamp"`
}

type HangupPayload struct {
	CallID     CallID    `json:"callId"`
	FromUserID UserID    `json:"fromUserId,omitempty"`
	Reason     EndReason `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

type MissedPayload struct {
	CallID    CallID    `json:"callId"`
	Timestamp time.Time `json:"timestamp"`
}

type MediaControlPayload struct {
	CallID     CallID    `json:"callId"`
	FromUserID UserID    `json:"fromUserId"`
	Kind       MediaKind `json:"kind"`
	Muted      bool      `json:"muted"`
	Timestamp  time.Time `json:"timestamp"`
}

type DeliveryFailedPayload struct {
	Event    EventType `json:"event"`
	ToUserID UserID    `json:"toUserId"`
	Reason   string    `json:"reason"`
}

type CallErrorPayload struct {
	Reason string `json:"reason"`
	CallID CallID `json:"callId,omitempty"`
}
