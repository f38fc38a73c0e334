package domain

import "time"

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalingState mirrors the offer/answer state of a peer connection.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// NegotiationPhase is the engine-level view of a call's media session.
type NegotiationPhase string

const (
	PhaseIdle         NegotiationPhase = "idle"
	PhaseNegotiating  NegotiationPhase = "negotiating"
	PhaseConnected    NegotiationPhase = "connected"
	PhaseRecovering   NegotiationPhase = "recovering"
	PhaseReconnecting NegotiationPhase = "reconnecting"
	PhaseFailed       NegotiationPhase = "failed"
	PhaseClosed       NegotiationPhase = "closed"
)

type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityPoor      Quality = "poor"
	QualityFair      Quality = "fair"
	QualityGood      Quality = "good"
	QualityExcellent Quality = "excellent"
)

// TransportStats is the subset of transport statistics quality is derived
// from. PacketLoss is a fraction in [0,1].
type TransportStats struct {
	RoundTripTime time.Duration
	PacketLoss    float64
	Jitter        time.Duration
	Valid         bool
}

// ClassifyQuality turns transport stats into a coarse ordinal.
func ClassifyQuality(s TransportStats) Quality {
	if !s.Valid {
		return QualityUnknown
	}
	switch {
	case s.RoundTripTime < 150*time.Millisecond && s.PacketLoss < 0.01 && s.Jitter < 30*time.Millisecond:
		return QualityExcellent
	case s.RoundTripTime < 300*time.Millisecond && s.PacketLoss < 0.03 && s.Jitter < 50*time.Millisecond:
		return QualityGood
	case s.RoundTripTime < 500*time.Millisecond && s.PacketLoss < 0.08 && s.Jitter < 100*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}
