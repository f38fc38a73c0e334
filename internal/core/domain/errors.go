package domain

import "errors"

var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrCallTypeNotAllowed   = errors.New("call type not allowed")
	ErrUnknownRecipient     = errors.New("unknown recipient")
	ErrCallAlreadyActive    = errors.New("call already active for this pair")
	ErrRateLimited          = errors.New("rate limited")
	ErrCallNotFound         = errors.New("call not found")
	ErrNotParticipant       = errors.New("user is not a participant of this call")
	ErrInvalidTransition    = errors.New("invalid call state transition")
	ErrDeliveryFailed       = errors.New("delivery failed")
	ErrRecipientUnavailable = errors.New("recipient unavailable")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrShuttingDown         = errors.New("call service shutting down")
)

// ErrorReason maps an error to the reason string sent in call-error events.
func ErrorReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid-argument"
	case errors.Is(err, ErrCallTypeNotAllowed):
		return "call-type-not-allowed"
	case errors.Is(err, ErrUnknownRecipient):
		return "unknown-recipient"
	case errors.Is(err, ErrCallAlreadyActive):
		return "call-already-active"
	case errors.Is(err, ErrRateLimited):
		return "rate-limited"
	case errors.Is(err, ErrCallNotFound):
		return "call-not-found"
	case errors.Is(err, ErrNotParticipant):
		return "not-participant"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid-state"
	case errors.Is(err, ErrRecipientUnavailable):
		return string(EndReasonRecipientUnavailable)
	case errors.Is(err, ErrDeliveryFailed):
		return string(EndReasonDeliveryFailed)
	case errors.Is(err, ErrShuttingDown):
		return "shutting-down"
	default:
		return "internal-error"
	}
}
