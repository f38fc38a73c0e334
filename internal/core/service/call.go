package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
	"github.com/yaront1111/mandarin-sub007/internal/core/port"
)

type CallConfig struct {
	RingTimeout        time.Duration
	MaxCallDuration    time.Duration
	SessionRetention   time.Duration
	DeliveryAttempts   int
	DeliveryRetryDelay time.Duration
	InitiatePerMinute  int
	InitiateBurst      int
}

func DefaultCallConfig() CallConfig {
	return CallConfig{
		RingTimeout:        60 * time.Second,
		MaxCallDuration:    4 * time.Hour,
		SessionRetention:   30 * time.Second,
		DeliveryAttempts:   3,
		DeliveryRetryDelay: 500 * time.Millisecond,
		InitiatePerMinute:  3,
		InitiateBurst:      3,
	}
}

type CallDeps struct {
	Store        port.SessionStore
	Presence     port.Presence
	Entitlements port.Entitlements
	Directory    port.Directory
	// History is optional.
	History port.CallHistoryRepository
}

// CallService is the relay-side call broker. It owns every CallSession's
// lifecycle, routes negotiation signals between the two participants and
// times out calls that are never answered or run too long.
type CallService struct {
	cfg          CallConfig
	store        port.SessionStore
	presence     port.Presence
	entitlements port.Entitlements
	directory    port.Directory
	history      port.CallHistoryRepository
	delivery     *Deliverer
	limiter      *InitiateLimiter
	now          func() time.Time

	closed      atomic.Bool
	totalCalls  atomic.Int64
	rateLimited atomic.Int64
}

func NewCallService(cfg CallConfig, deps CallDeps) *CallService {
	return &CallService{
		cfg:          cfg,
		store:        deps.Store,
		presence:     deps.Presence,
		entitlements: deps.Entitlements,
		directory:    deps.Directory,
		history:      deps.History,
		delivery:     NewDeliverer(deps.Presence, cfg.DeliveryAttempts, cfg.DeliveryRetryDelay),
		limiter:      NewInitiateLimiter(cfg.InitiatePerMinute, cfg.InitiateBurst),
		now:          time.Now,
	}
}

// Initiate starts a call from callerID. A non-nil error means the request was
// rejected before any session existed. Delivery failures are not errors: the
// returned record is in the failed state and the caller has been sent a
// call-error.
func (s *CallService) Initiate(ctx context.Context, callerID domain.UserID, req domain.InitiateRequest) (domain.CallRecord, error) {
	if s.closed.Load() {
		return domain.CallRecord{}, domain.ErrShuttingDown
	}
	if callerID == "" || req.RecipientID == "" || callerID == req.RecipientID {
		return domain.CallRecord{}, fmt.Errorf("%w: caller and recipient must be distinct", domain.ErrInvalidArgument)
	}
	if !req.CallType.Valid() {
		return domain.CallRecord{}, fmt.Errorf("%w: call type %q", domain.ErrInvalidArgument, req.CallType)
	}
	callID := req.CallID
	if callID == "" {
		callID = domain.NewCallID()
	} else if _, err := domain.ParseCallID(string(callID)); err != nil {
		return domain.CallRecord{}, fmt.Errorf("call id: %w", err)
	}

	if !s.limiter.Allow(callerID) {
		s.rateLimited.Add(1)
		return domain.CallRecord{}, domain.ErrRateLimited
	}

	allowed, err := s.entitlements.CanInitiateCallType(ctx, callerID, req.CallType)
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("entitlement check: %w", err)
	}
	if !allowed {
		return domain.CallRecord{}, domain.ErrCallTypeNotAllowed
	}
	known, err := s.directory.Exists(ctx, req.RecipientID)
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("recipient lookup: %w", err)
	}
	if !known {
		return domain.CallRecord{}, domain.ErrUnknownRecipient
	}

	sess := domain.NewCallSession(callID, callerID, req.RecipientID, req.CallType, s.now())
	if err := s.store.Create(sess); err != nil {
		return domain.CallRecord{}, err
	}
	s.totalCalls.Add(1)

	l := log.With().Str("call_id", callID.String()).Str("caller", callerID.String()).Str("recipient", req.RecipientID.String()).Logger()
	l.Info().Str("call_type", string(req.CallType)).Msg("Call initiated")

	info, err := s.directory.GetCallerInfo(ctx, callerID)
	if err != nil {
		l.Warn().Err(err).Msg("Caller info unavailable")
	}

	if len(s.presence.LiveConnectionsFor(req.RecipientID)) == 0 {
		rec, ok := s.fail(sess, domain.CallStateInitiating, domain.EndReasonRecipientUnavailable, 0)
		if ok {
			l.Info().Msg("Recipient offline, call failed")
			s.sendCallError(ctx, callerID, callID, domain.ErrRecipientUnavailable)
		}
		return rec, nil
	}

	attempts, derr := s.delivery.Deliver(ctx, req.RecipientID, domain.Event{
		Type: domain.EventIncoming,
		Payload: domain.IncomingPayload{
			CallID:     callID,
			CallType:   req.CallType,
			FromUserID: callerID,
			CallerInfo: info,
			Timestamp:  s.now(),
		},
	})

	if derr != nil {
		rec, ok := s.fail(sess, domain.CallStateInitiating, domain.EndReasonDeliveryFailed, attempts)
		if ok {
			l.Warn().Err(derr).Msg("Incoming call undeliverable")
			s.sendCallError(ctx, callerID, callID, domain.ErrDeliveryFailed)
		}
		return rec, nil
	}

	sess.Lock()
	countDelivery(sess, attempts, nil)
	// A hangup may have landed while the incoming event was in flight.
	if sess.State != domain.CallStateInitiating {
		defer sess.Unlock()
		return sess.Record(), nil
	}
	// Close may have swept the store before this session existed.
	if s.closed.Load() {
		_ = sess.Transition(domain.CallStateEnded, s.now())
		sess.EndReason = domain.EndReasonShutdown
		rec := s.finalizeLocked(sess)
		sess.Unlock()
		s.notifyShutdown(ctx, rec)
		return rec, domain.ErrShuttingDown
	}
	defer sess.Unlock()
	if err := sess.Transition(domain.CallStateRinging, s.now()); err != nil {
		return sess.Record(), err
	}
	sess.ArmTimer(domain.TimerUnanswered, s.cfg.RingTimeout, func() { s.onUnanswered(callID) })
	return sess.Record(), nil
}

// Answer records the recipient's accept/reject decision and forwards it to
// the caller.
func (s *CallService) Answer(ctx context.Context, recipientID domain.UserID, req domain.AnswerRequest) (domain.CallRecord, error) {
	sess, err := s.lookup(req.CallID)
	if err != nil {
		return domain.CallRecord{}, err
	}

	sess.Lock()
	if recipientID != sess.RecipientID || (req.CallerID != "" && req.CallerID != sess.CallerID) {
		sess.Unlock()
		return domain.CallRecord{}, domain.ErrNotParticipant
	}
	if sess.State != domain.CallStateRinging {
		state := sess.State
		sess.Unlock()
		return domain.CallRecord{}, fmt.Errorf("%w: answer in state %s", domain.ErrInvalidTransition, state)
	}
	sess.StopTimer(domain.TimerUnanswered)
	now := s.now()
	var archived *domain.CallRecord
	if req.Accept {
		_ = sess.Transition(domain.CallStateAccepted, now)
		sess.ArmTimer(domain.TimerMaxDuration, s.cfg.MaxCallDuration, func() { s.onMaxDuration(sess.ID) })
	} else {
		_ = sess.Transition(domain.CallStateRejected, now)
		sess.EndReason = domain.EndReasonRejected
		sess.EndedBy = recipientID
		rec := s.finalizeLocked(sess)
		archived = &rec
	}
	callerID := sess.CallerID
	sess.Unlock()

	if archived != nil {
		s.archive(*archived)
	}
	log.Info().Str("call_id", req.CallID.String()).Bool("accept", req.Accept).Msg("Call answered")

	attempts, derr := s.delivery.Deliver(ctx, callerID, domain.Event{
		Type: domain.EventAnswered,
		Payload: domain.AnsweredPayload{
			CallID:     req.CallID,
			FromUserID: recipientID,
			Accept:     req.Accept,
			Timestamp:  s.now(),
		},
	})

	sess.Lock()
	countDelivery(sess, attempts, derr)
	if derr == nil || !req.Accept {
		rec := sess.Record()
		sess.Unlock()
		if derr != nil {
			s.reportDeliveryFailure(ctx, recipientID, callerID, domain.EventAnswered, derr)
		}
		return rec, nil
	}
	sess.Unlock()

	// The caller never learned the call was accepted; nothing can proceed.
	rec, ok := s.fail(sess, domain.CallStateAccepted, domain.EndReasonDeliveryFailed, 0)
	if ok {
		log.Warn().Err(derr).Str("call_id", req.CallID.String()).Msg("Answer undeliverable, call failed")
	}
	s.reportDeliveryFailure(ctx, recipientID, callerID, domain.EventAnswered, derr)
	return rec, nil
}

// MarkConnected records the first media-level connection. It is optional
// telemetry reported by the peers.
func (s *CallService) MarkConnected(ctx context.Context, userID domain.UserID, callID domain.CallID) error {
	sess, err := s.lookup(callID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()
	if !sess.IsParticipant(userID) {
		return domain.ErrNotParticipant
	}
	switch sess.State {
	case domain.CallStateConnected:
		return nil
	case domain.CallStateAccepted:
		log.Info().Str("call_id", callID.String()).Msg("Call connected")
		return sess.Transition(domain.CallStateConnected, s.now())
	default:
		return fmt.Errorf("%w: connected in state %s", domain.ErrInvalidTransition, sess.State)
	}
}

// Hangup ends a call from either side. Hanging up a call that already ended
// is a no-op.
func (s *CallService) Hangup(ctx context.Context, fromUserID domain.UserID, callID domain.CallID) error {
	sess, err := s.lookup(callID)
	if err != nil {
		return err
	}

	sess.Lock()
	if !sess.IsParticipant(fromUserID) {
		sess.Unlock()
		return domain.ErrNotParticipant
	}
	if sess.State.Terminal() {
		sess.Unlock()
		return nil
	}
	reason := domain.EndReasonHangup
	if sess.AnsweredAt.IsZero() {
		reason = domain.EndReasonCanceled
	}
	_ = sess.Transition(domain.CallStateEnded, s.now())
	sess.EndReason = reason
	sess.EndedBy = fromUserID
	rec := s.finalizeLocked(sess)
	peer := sess.Peer(fromUserID)
	sess.Unlock()

	s.archive(rec)
	log.Info().Str("call_id", callID.String()).Str("ended_by", fromUserID.String()).
		Str("reason", string(reason)).Dur("duration", rec.Duration).Msg("Call ended")

	err = s.delivery.DeliverOnce(ctx, peer, domain.Event{
		Type: domain.EventHangup,
		Payload: domain.HangupPayload{
			CallID:     callID,
			FromUserID: fromUserID,
			Reason:     reason,
			Timestamp:  s.now(),
		},
	})
	if err != nil {
		log.Debug().Err(err).Str("call_id", callID.String()).Msg("Hangup not delivered to peer")
	}
	return nil
}

// RelaySignal routes an offer, SDP answer, ICE candidate or offer request to
// the other participant. It never changes the session state.
func (s *CallService) RelaySignal(ctx context.Context, fromUserID domain.UserID, env domain.SignalEnvelope) error {
	if !env.Type.Valid() {
		return fmt.Errorf("%w: signal type %q", domain.ErrInvalidArgument, env.Type)
	}
	if len(env.Payload) == 0 && env.Type != domain.SignalRequestOffer {
		return fmt.Errorf("%w: empty %s payload", domain.ErrInvalidArgument, env.Type)
	}
	peer, err := s.routeTarget(fromUserID, env.CallID, env.ToUserID)
	if err != nil {
		return err
	}

	env.FromUserID = fromUserID
	env.ToUserID = peer
	env.Timestamp = s.now()
	return s.forward(ctx, fromUserID, env.CallID, peer, domain.Event{Type: env.Type.Event(), Payload: env})
}

func (s *CallService) MediaControl(ctx context.Context, fromUserID domain.UserID, req domain.MediaControlRequest) error {
	if req.Kind != domain.MediaAudio && req.Kind != domain.MediaVideo {
		return fmt.Errorf("%w: media kind %q", domain.ErrInvalidArgument, req.Kind)
	}
	peer, err := s.routeTarget(fromUserID, req.CallID, req.ToUserID)
	if err != nil {
		return err
	}
	return s.forward(ctx, fromUserID, req.CallID, peer, domain.Event{
		Type: domain.EventMediaControl,
		Payload: domain.MediaControlPayload{
			CallID:     req.CallID,
			FromUserID: fromUserID,
			Kind:       req.Kind,
			Muted:      req.Muted,
			Timestamp:  s.now(),
		},
	})
}

// Session returns a snapshot of a tracked session.
func (s *CallService) Session(callID domain.CallID) (domain.CallRecord, bool) {
	sess, ok := s.store.Get(callID)
	if !ok {
		return domain.CallRecord{}, false
	}
	sess.Lock()
	defer sess.Unlock()
	return sess.Record(), true
}

// Close ends every active call with reason shutdown and tells both
// participants. Later timer callbacks are ignored.
func (s *CallService) Close(ctx context.Context) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	var ended []domain.CallRecord
	s.store.Range(func(sess *domain.CallSession) bool {
		sess.Lock()
		defer sess.Unlock()
		sess.StopAllTimers()
		if sess.State.Terminal() {
			return true
		}
		_ = sess.Transition(domain.CallStateEnded, s.now())
		sess.EndReason = domain.EndReasonShutdown
		ended = append(ended, s.finalizeLocked(sess))
		return true
	})

	for _, rec := range ended {
		s.notifyShutdown(ctx, rec)
	}
	log.Info().Int("ended_calls", len(ended)).Msg("Call broker closed")
}

// notifyShutdown archives a call ended by Close and sends both parties a
// best-effort hangup.
func (s *CallService) notifyShutdown(ctx context.Context, rec domain.CallRecord) {
	s.archive(rec)
	for _, user := range []domain.UserID{rec.CallerID, rec.RecipientID} {
		err := s.delivery.DeliverOnce(ctx, user, domain.Event{
			Type: domain.EventHangup,
			Payload: domain.HangupPayload{
				CallID:    rec.CallID,
				Reason:    domain.EndReasonShutdown,
				Timestamp: s.now(),
			},
		})
		if err != nil {
			log.Debug().Err(err).Str("call_id", rec.CallID.String()).Str("user_id", user.String()).Msg("Shutdown hangup not delivered")
		}
	}
}

func (s *CallService) onUnanswered(callID domain.CallID) {
	if s.closed.Load() {
		return
	}
	sess, ok := s.store.Get(callID)
	if !ok {
		return
	}
	sess.Lock()
	if sess.State != domain.CallStateRinging {
		sess.Unlock()
		return
	}
	_ = sess.Transition(domain.CallStateMissed, s.now())
	sess.EndReason = domain.EndReasonMissed
	rec := s.finalizeLocked(sess)
	sess.Unlock()

	s.archive(rec)
	log.Info().Str("call_id", callID.String()).Msg("Call missed")

	ctx := context.Background()
	if _, err := s.delivery.Deliver(ctx, rec.CallerID, domain.Event{
		Type:    domain.EventMissed,
		Payload: domain.MissedPayload{CallID: callID, Timestamp: s.now()},
	}); err != nil {
		log.Warn().Err(err).Str("call_id", callID.String()).Msg("Missed notification not delivered")
	}
	// Stop the recipient's ringing UI.
	_ = s.delivery.DeliverOnce(ctx, rec.RecipientID, domain.Event{
		Type: domain.EventHangup,
		Payload: domain.HangupPayload{
			CallID:    callID,
			Reason:    domain.EndReasonMissed,
			Timestamp: s.now(),
		},
	})
}

func (s *CallService) onMaxDuration(callID domain.CallID) {
	if s.closed.Load() {
		return
	}
	sess, ok := s.store.Get(callID)
	if !ok {
		return
	}
	sess.Lock()
	if sess.State != domain.CallStateAccepted && sess.State != domain.CallStateConnected {
		sess.Unlock()
		return
	}
	_ = sess.Transition(domain.CallStateEnded, s.now())
	sess.EndReason = domain.EndReasonMaxDurationExceeded
	rec := s.finalizeLocked(sess)
	sess.Unlock()

	s.archive(rec)
	log.Info().Str("call_id", callID.String()).Dur("duration", rec.Duration).Msg("Call exceeded maximum duration")

	ctx := context.Background()
	for _, user := range []domain.UserID{rec.CallerID, rec.RecipientID} {
		if _, err := s.delivery.Deliver(ctx, user, domain.Event{
			Type: domain.EventHangup,
			Payload: domain.HangupPayload{
				CallID:    callID,
				Reason:    domain.EndReasonMaxDurationExceeded,
				Timestamp: s.now(),
			},
		}); err != nil {
			log.Warn().Err(err).Str("call_id", callID.String()).Str("user_id", user.String()).Msg("Max-duration hangup not delivered")
		}
	}
}

// fail moves a session in the expected state to failed. It reports false when
// the session had already moved on.
func (s *CallService) fail(sess *domain.CallSession, expect domain.CallState, reason domain.EndReason, attempts int) (domain.CallRecord, bool) {
	sess.Lock()
	if attempts > 0 {
		countDelivery(sess, attempts, domain.ErrDeliveryFailed)
	}
	if sess.State != expect {
		rec := sess.Record()
		sess.Unlock()
		return rec, false
	}
	_ = sess.Transition(domain.CallStateFailed, s.now())
	sess.EndReason = reason
	rec := s.finalizeLocked(sess)
	sess.Unlock()

	s.archive(rec)
	return rec, true
}

// finalizeLocked clears every timer guarding the active call, frees the
// pair slot and schedules eviction.
func (s *CallService) finalizeLocked(sess *domain.CallSession) domain.CallRecord {
	sess.StopTimer(domain.TimerUnanswered)
	sess.StopTimer(domain.TimerMaxDuration)
	s.store.Release(sess, s.cfg.SessionRetention)
	return sess.Record()
}

func (s *CallService) archive(rec domain.CallRecord) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.Save(ctx, rec); err != nil {
		log.Error().Err(err).Str("call_id", rec.CallID.String()).Msg("Failed to archive call")
	}
}

func (s *CallService) lookup(callID domain.CallID) (*domain.CallSession, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: missing call id", domain.ErrInvalidArgument)
	}
	sess, ok := s.store.Get(callID)
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return sess, nil
}

// routeTarget validates that from may signal on the call and returns the
// other participant.
func (s *CallService) routeTarget(from domain.UserID, callID domain.CallID, to domain.UserID) (domain.UserID, error) {
	sess, err := s.lookup(callID)
	if err != nil {
		return "", err
	}
	sess.Lock()
	defer sess.Unlock()
	if !sess.IsParticipant(from) {
		return "", domain.ErrNotParticipant
	}
	peer := sess.Peer(from)
	if to != "" && to != peer {
		return "", domain.ErrNotParticipant
	}
	if sess.State.Terminal() {
		return "", fmt.Errorf("%w: call is %s", domain.ErrInvalidTransition, sess.State)
	}
	return peer, nil
}

func (s *CallService) forward(ctx context.Context, from domain.UserID, callID domain.CallID, to domain.UserID, ev domain.Event) error {
	attempts, err := s.delivery.Deliver(ctx, to, ev)
	if sess, ok := s.store.Get(callID); ok {
		sess.Lock()
		countDelivery(sess, attempts, err)
		sess.Unlock()
	}
	if err != nil {
		s.reportDeliveryFailure(ctx, from, to, ev.Type, err)
	}
	return nil
}

func (s *CallService) reportDeliveryFailure(ctx context.Context, origin, to domain.UserID, event domain.EventType, cause error) {
	reason := "undeliverable"
	if errors.Is(cause, domain.ErrRecipientUnavailable) {
		reason = "recipient-unavailable"
	}
	err := s.delivery.DeliverOnce(ctx, origin, domain.Event{
		Type: domain.EventDeliveryFailed,
		Payload: domain.DeliveryFailedPayload{
			Event:    event,
			ToUserID: to,
			Reason:   reason,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", origin.String()).Str("event", string(event)).Msg("Failed to report delivery failure")
	}
}

func (s *CallService) sendCallError(ctx context.Context, to domain.UserID, callID domain.CallID, cause error) {
	if _, err := s.delivery.Deliver(ctx, to, domain.Event{
		Type:    domain.EventCallError,
		Payload: domain.CallErrorPayload{Reason: domain.ErrorReason(cause), CallID: callID},
	}); err != nil {
		log.Warn().Err(err).Str("call_id", callID.String()).Msg("call-error not delivered")
	}
}

func countDelivery(sess *domain.CallSession, attempts int, err error) {
	if attempts > 1 {
		sess.RetryCount += attempts - 1
	}
	if err != nil {
		sess.Signals.Failed++
		return
	}
	sess.Signals.Sent++
}
