package port

import (
	"context"
	"errors"

	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

// ErrRollbackUnsupported is returned by connections that cannot abandon a
// local offer in place. The caller has to replace the connection instead.
var ErrRollbackUnsupported = errors.New("rollback not supported")

// PeerConnection is the local media connection driven by a negotiation
// engine. It is owned by exactly one engine and is not safe for concurrent
// signaling mutations.
type PeerConnection interface {
	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	Rollback(ctx context.Context) error
	AddICECandidate(ctx context.Context, c domain.ICECandidate) error

	SignalingState() domain.SignalingState
	ConnectionState() domain.ConnectionState
	HasRemoteDescription() bool
	Stats(ctx context.Context) (domain.TransportStats, error)

	OnICECandidate(fn func(domain.ICECandidate))
	OnConnectionStateChange(fn func(domain.ConnectionState))
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(ctx context.Context, callType domain.CallType) (PeerConnection, error)
}

// SignalSender delivers an outbound negotiation signal to the relay.
type SignalSender interface {
	SendSignal(ctx context.Context, env domain.SignalEnvelope) error
}
