package negotiation

import "errors"

var (
	ErrNegotiationInProgress = errors.New("negotiation already in progress")
	ErrWrongSignalingState   = errors.New("wrong signaling state")
	ErrNoAnswer              = errors.New("no answer to offer")
	ErrReconnectExhausted    = errors.New("reconnect attempts exhausted")
	ErrClosed                = errors.New("negotiation engine closed")
	ErrNotStarted            = errors.New("negotiation engine not started")
)
