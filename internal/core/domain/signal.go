package domain

import (
	"encoding/json"
	"time"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalCandidate    SignalType = "ice-candidate"
	SignalRequestOffer SignalType = "request-offer"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate, SignalRequestOffer:
		return true
	}
	return false
}

// Event returns the relay event name used on the wire for this signal type.
// The SDP answer travels as "answer-sdp" so it cannot be confused with the
// call-level answer.
func (t SignalType) Event() EventType {
	switch t {
	case SignalOffer:
		return EventOffer
	case SignalAnswer:
		return EventAnswerSDP
	case SignalCandidate:
		return EventICECandidate
	case SignalRequestOffer:
		return EventRequestOffer
	}
	return ""
}

func SignalTypeFromEvent(e EventType) (SignalType, bool) {
	switch e {
	case EventOffer:
		return SignalOffer, true
	case EventAnswerSDP:
		return SignalAnswer, true
	case EventICECandidate:
		return SignalCandidate, true
	case EventRequestOffer:
		return SignalRequestOffer, true
	}
	return "", false
}

// SignalEnvelope is a peer-to-peer negotiation message in transit through the
// relay. Payload is opaque to the relay.
type SignalEnvelope struct {
	Type       SignalType      `json:"-"`
	CallID     CallID          `json:"callId"`
	FromUserID UserID          `json:"fromUserId,omitempty"`
	ToUserID   UserID          `json:"toUserId"`
	Payload    json.RawMessage `json:"signal,omitempty"`
	Timestamp  time.Time       `json:"timestamp,omitzero"`
}
