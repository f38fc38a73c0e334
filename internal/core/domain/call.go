package domain

import (
	"sync"
	"time"
)

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

type CallState string

const (
	CallStateInitiating CallState = "initiating"
	CallStateRinging    CallState = "ringing"
	CallStateAccepted   CallState = "accepted"
	CallStateRejected   CallState = "rejected"
	CallStateMissed     CallState = "missed"
	CallStateConnected  CallState = "connected"
	CallStateEnded      CallState = "ended"
	CallStateFailed     CallState = "failed"
)

var callTransitions = map[CallState][]CallState{
	CallStateInitiating: {CallStateRinging, CallStateFailed, CallStateEnded},
	CallStateRinging:    {CallStateAccepted, CallStateRejected, CallStateMissed, CallStateFailed, CallStateEnded},
	CallStateAccepted:   {CallStateConnected, CallStateEnded, CallStateFailed},
	CallStateConnected:  {CallStateEnded, CallStateFailed},
}

// Terminal reports whether no further transition is possible.
func (s CallState) Terminal() bool {
	_, ok := callTransitions[s]
	return !ok
}

func (s CallState) Active() bool {
	return !s.Terminal()
}

func CanTransition(from, to CallState) bool {
	for _, next := range callTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type EndReason string

const (
	EndReasonHangup               EndReason = "hangup"
	EndReasonCanceled             EndReason = "canceled"
	EndReasonRejected             EndReason = "rejected"
	EndReasonMissed               EndReason = "missed"
	EndReasonRecipientUnavailable EndReason = "recipient-unavailable"
	EndReasonDeliveryFailed       EndReason = "delivery-failed"
	EndReasonMaxDurationExceeded  EndReason = "max-duration-exceeded"
	EndReasonShutdown             EndReason = "shutdown"
)

type SignalCounters struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// TimerKind names the timers a CallSession can own.
type TimerKind int

const (
	TimerUnanswered TimerKind = iota
	TimerMaxDuration
	TimerEviction
	numTimerKinds
)

// CallSession is the broker's authoritative record of one call. All reads and
// writes go through Lock/Unlock; no two transitions for the same call run
// concurrently.
type CallSession struct {
	mu sync.Mutex

	ID          CallID
	CallerID    UserID
	RecipientID UserID
	Type        CallType
	State       CallState
	CreatedAt   time.Time
	AnsweredAt  time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	EndReason   EndReason
	EndedBy     UserID
	Signals     SignalCounters
	RetryCount  int

	timers [numTimerKinds]*time.Timer
}

func NewCallSession(id CallID, caller, recipient UserID, callType CallType, now time.Time) *CallSession {
	return &CallSession{
		ID:          id,
		CallerID:    caller,
		RecipientID: recipient,
		Type:        callType,
		State:       CallStateInitiating,
		CreatedAt:   now,
	}
}

func (s *CallSession) Lock()   { s.mu.Lock() }
func (s *CallSession) Unlock() { s.mu.Unlock() }

func (s *CallSession) Pair() PairKey {
	return NewPairKey(s.CallerID, s.RecipientID)
}

func (s *CallSession) IsParticipant(id UserID) bool {
	return id == s.CallerID || id == s.RecipientID
}

// Peer returns the other participant. Callers must check IsParticipant first.
func (s *CallSession) Peer(id UserID) UserID {
	if id == s.CallerID {
		return s.RecipientID
	}
	return s.CallerID
}

// Transition moves the session to the given state. Must be called with the
// session locked.
func (s *CallSession) Transition(to CallState, now time.Time) error {
	if !CanTransition(s.State, to) {
		return ErrInvalidTransition
	}
	s.State = to
	switch to {
	case CallStateAccepted:
		s.AnsweredAt = now
	case CallStateConnected:
		s.ConnectedAt = now
	}
	if to.Terminal() {
		s.EndedAt = now
	}
	return nil
}

// Duration is the answered-to-ended span, zero for calls never answered.
func (s *CallSession) Duration() time.Duration {
	if s.AnsweredAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.AnsweredAt)
}

// ArmTimer replaces any timer of the same kind. Must be called with the
// session locked.
func (s *CallSession) ArmTimer(kind TimerKind, d time.Duration, fn func()) {
	s.StopTimer(kind)
	s.timers[kind] = time.AfterFunc(d, fn)
}

func (s *CallSession) StopTimer(kind TimerKind) {
	if t := s.timers[kind]; t != nil {
		t.Stop()
		s.timers[kind] = nil
	}
}

func (s *CallSession) StopAllTimers() {
	for k := range s.timers {
		s.StopTimer(TimerKind(k))
	}
}

func (s *CallSession) TimerArmed(kind TimerKind) bool {
	return s.timers[kind] != nil
}

// Record returns a detached copy suitable for archiving. Must be called with
// the session locked.
func (s *CallSession) Record() CallRecord {
	return CallRecord{
		CallID:      s.ID,
		CallerID:    s.CallerID,
		RecipientID: s.RecipientID,
		Type:        s.Type,
		State:       s.State,
		EndReason:   s.EndReason,
		EndedBy:     s.EndedBy,
		CreatedAt:   s.CreatedAt,
		AnsweredAt:  s.AnsweredAt,
		EndedAt:     s.EndedAt,
		Duration:    s.Duration(),
		Signals:     s.Signals,
		RetryCount:  s.RetryCount,
	}
}

// CallRecord is the archived form of a finished call.
type CallRecord struct {
	CallID      CallID         `json:"callId"`
	CallerID    UserID         `json:"callerId"`
	RecipientID UserID         `json:"recipientId"`
	Type        CallType       `json:"callType"`
	State       CallState      `json:"state"`
	EndReason   EndReason      `json:"endReason,omitempty"`
	EndedBy     UserID         `json:"endedBy,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	AnsweredAt  time.Time      `json:"answeredAt,omitzero"`
	EndedAt     time.Time      `json:"endedAt,omitzero"`
	Duration    time.Duration  `json:"duration"`
	Signals     SignalCounters `json:"signals"`
	RetryCount  int            `json:"retryCount"`
}

// CallerInfo is the display information shown on an incoming call.
type CallerInfo struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}
