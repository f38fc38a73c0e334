// Package negotiation drives the peer side of a call: SDP offer/answer,
// ICE candidate exchange, glare resolution and connection recovery.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
	"github.com/yaront1111/mandarin-sub007/internal/core/port"
)

type Config struct {
	SignalingTimeout     time.Duration
	GracePeriod          time.Duration
	RecoveryTimeout      time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	QualityInterval      time.Duration
	PoorQualityThreshold int
	CandidateRetryBase   time.Duration
	CandidateRetryMax    time.Duration
	MaxPendingCandidates int
	MaxFingerprints      int
}

func DefaultConfig() Config {
	return Config{
		SignalingTimeout:     30 * time.Second,
		GracePeriod:          3 * time.Second,
		RecoveryTimeout:      10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectAttempts: 3,
		QualityInterval:      2 * time.Second,
		PoorQualityThreshold: 3,
		CandidateRetryBase:   100 * time.Millisecond,
		CandidateRetryMax:    2 * time.Second,
		MaxPendingCandidates: 256,
		MaxFingerprints:      512,
	}
}

// Params fixes the identity of one call for its whole lifetime.
type Params struct {
	CallID   domain.CallID
	LocalID  domain.UserID
	RemoteID domain.UserID
	Role     domain.Role
	CallType domain.CallType
}

// Observer receives engine notifications. Calls are made without any engine
// lock held, so an observer may call back into the engine.
type Observer interface {
	OnPhase(phase domain.NegotiationPhase)
	OnQuality(q domain.Quality, stats domain.TransportStats)
	OnTerminalError(err error)
}

type nopObserver struct{}

func (nopObserver) OnPhase(domain.NegotiationPhase)                {}
func (nopObserver) OnQuality(domain.Quality, domain.TransportStats) {}
func (nopObserver) OnTerminalError(error)                          {}

type queuedCandidate struct {
	c     domain.ICECandidate
	epoch uint32
}

// Engine negotiates the media session for one call. All operations are
// serialized by mu; negotiationInProgress guards the single outstanding
// offer/answer.
type Engine struct {
	cfg      Config
	p        Params
	factory  port.PeerConnectionFactory
	sender   port.SignalSender
	observer Observer
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu                    sync.Mutex
	notes                 []func()
	pc                    port.PeerConnection
	phase                 domain.NegotiationPhase
	negotiationInProgress bool
	answered              bool
	hasConnected          bool
	remoteEpoch           uint32
	retryCount            int
	poorSamples           int
	quality               domain.Quality
	pendingIceQueue       []queuedCandidate
	candidateBackoff      time.Duration
	processedSignals      *fingerprints
	processedCandidates   *fingerprints

	answerTimer    timer
	graceTimer     timer
	recoveryTimer  timer
	reconnectTimer timer
	flushTimer     timer
	qualityTimer   timer

	// Read without mu by the local candidate callback.
	gen     atomic.Uint64
	epoch   atomic.Uint32
	stopped atomic.Bool

	candMu         sync.Mutex
	sentCandidates *fingerprints
}

func NewEngine(cfg Config, p Params, factory port.PeerConnectionFactory, sender port.SignalSender, observer Observer) *Engine {
	if observer == nil {
		observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		p:        p,
		factory:  factory,
		sender:   sender,
		observer: observer,
		log: log.With().
			Str("call_id", p.CallID.String()).
			Str("user_id", p.LocalID.String()).
			Str("role", string(p.Role)).
			Logger(),
		ctx:                 ctx,
		cancel:              cancel,
		phase:               domain.PhaseIdle,
		quality:             domain.QualityUnknown,
		processedSignals:    newFingerprints(cfg.MaxFingerprints),
		processedCandidates: newFingerprints(cfg.MaxFingerprints),
		sentCandidates:      newFingerprints(cfg.MaxFingerprints),
	}
}

// Start creates the local connection. The initiator sends the first offer;
// the responder waits for it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.unlock()
	if e.terminatedLocked() {
		return ErrClosed
	}
	if e.phase != domain.PhaseIdle {
		return nil
	}
	if err := e.newConnectionLocked(ctx); err != nil {
		return err
	}
	e.setPhaseLocked(domain.PhaseNegotiating)
	if e.p.Role == domain.RoleInitiator {
		return e.offerLocked(ctx, false)
	}
	return nil
}

// Renegotiate sends a fresh offer on the existing connection, for example
// after a local media change.
func (e *Engine) Renegotiate(ctx context.Context) error {
	e.mu.Lock()
	defer e.unlock()
	if e.terminatedLocked() {
		return ErrClosed
	}
	if e.pc == nil {
		return ErrNotStarted
	}
	return e.offerLocked(ctx, false)
}

// HandleSignal applies one signal received from the remote peer. Duplicate
// deliveries are recognized by fingerprint and ignored.
func (e *Engine) HandleSignal(ctx context.Context, env domain.SignalEnvelope) error {
	if env.CallID != e.p.CallID {
		return fmt.Errorf("%w: signal for call %s", domain.ErrInvalidArgument, env.CallID)
	}
	var p Payload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: decode %s: %v", domain.ErrInvalidArgument, env.Type, err)
		}
	}

	e.mu.Lock()
	defer e.unlock()
	if e.terminatedLocked() {
		return ErrClosed
	}
	if e.pc == nil {
		return ErrNotStarted
	}

	switch env.Type {
	case domain.SignalOffer, domain.SignalAnswer:
		if p.SDP == nil {
			return fmt.Errorf("%w: %s without sdp", domain.ErrInvalidArgument, env.Type)
		}
		id := p.SignalID
		if id == "" {
			id = SignalID(*p.SDP)
		}
		if e.processedSignals.Has(id) {
			e.log.Debug().Str("signal_id", id).Msg("Duplicate signal ignored")
			return nil
		}
		var err error
		if env.Type == domain.SignalOffer {
			err = e.handleOfferLocked(ctx, p)
		} else {
			err = e.handleAnswerLocked(ctx, p)
		}
		// A signal that failed to apply may be redelivered.
		if err == nil {
			e.processedSignals.Add(id)
		}
		return err
	case domain.SignalCandidate:
		if p.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", domain.ErrInvalidArgument)
		}
		if !e.processedCandidates.Add(candidateFingerprint(*p.Candidate, p.Epoch)) {
			return nil
		}
		e.handleCandidateLocked(ctx, *p.Candidate, p.Epoch)
		return nil
	case domain.SignalRequestOffer:
		if p.SignalID != "" && !e.processedSignals.Add("request-"+p.SignalID) {
			return nil
		}
		return e.handleRequestOfferLocked(ctx, p)
	default:
		return fmt.Errorf("%w: signal type %q", domain.ErrInvalidArgument, env.Type)
	}
}

// Close tears the engine down synchronously: timers stop, queues clear and
// the local connection is closed. Later callbacks do nothing.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.unlock()
	if e.phase == domain.PhaseClosed {
		return nil
	}
	e.stopped.Store(true)
	e.stopTimersLocked()
	e.pendingIceQueue = nil
	e.processedSignals.Reset()
	e.processedCandidates.Reset()
	e.candMu.Lock()
	e.sentCandidates.Reset()
	e.candMu.Unlock()

	var err error
	if e.pc != nil {
		err = e.pc.Close()
		e.pc = nil
	}
	e.cancel()
	e.setPhaseLocked(domain.PhaseClosed)
	return err
}

// Snapshot is a read-only view of the engine for diagnostics and tests.
type Snapshot struct {
	Phase                 domain.NegotiationPhase
	SignalingState        domain.SignalingState
	ConnectionState       domain.ConnectionState
	Role                  domain.Role
	Polite                bool
	Epoch                 uint32
	RemoteEpoch           uint32
	ReconnectAttempts     int
	PendingCandidates     int
	NegotiationInProgress bool
	Answered              bool
	Quality               domain.Quality
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Phase:                 e.phase,
		SignalingState:        domain.SignalingClosed,
		ConnectionState:       domain.ConnectionClosed,
		Role:                  e.p.Role,
		Polite:                e.polite(),
		Epoch:                 e.epoch.Load(),
		RemoteEpoch:           e.remoteEpoch,
		ReconnectAttempts:     e.retryCount,
		PendingCandidates:     len(e.pendingIceQueue),
		NegotiationInProgress: e.negotiationInProgress,
		Answered:              e.answered,
		Quality:               e.quality,
	}
	if e.pc != nil {
		s.SignalingState = e.pc.SignalingState()
		s.ConnectionState = e.pc.ConnectionState()
	}
	return s
}

// polite is the side that yields on glare: the lexically larger id.
func (e *Engine) polite() bool {
	return e.p.LocalID > e.p.RemoteID
}

func (e *Engine) offerLocked(ctx context.Context, iceRestart bool) error {
	if e.negotiationInProgress {
		return ErrNegotiationInProgress
	}
	if st := e.pc.SignalingState(); st != domain.SignalingStable {
		return fmt.Errorf("%w: offer in %s", ErrWrongSignalingState, st)
	}
	e.negotiationInProgress = true

	desc, err := e.pc.CreateOffer(ctx, iceRestart)
	if err != nil {
		e.negotiationInProgress = false
		return fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(ctx, desc); err != nil {
		e.negotiationInProgress = false
		return fmt.Errorf("set local offer: %w", err)
	}
	id := SignalID(desc)
	err = e.send(ctx, domain.SignalOffer, Payload{
		SDP:      &desc,
		SignalID: id,
		Epoch:    e.epoch.Load(),
		Ack:      e.remoteEpoch,
	})
	if err != nil {
		e.negotiationInProgress = false
		if rerr := e.pc.Rollback(ctx); rerr != nil {
			e.log.Warn().Err(rerr).Msg("Rollback after unsent offer failed, reconnecting")
			e.fullReconnectLocked()
		}
		return fmt.Errorf("send offer: %w", err)
	}
	e.log.Debug().Str("signal_id", id).Bool("ice_restart", iceRestart).Msg("Offer sent")
	e.armLocked(&e.answerTimer, e.cfg.SignalingTimeout, e.onAnswerTimeoutLocked)
	return nil
}

func (e *Engine) answerLocked(ctx context.Context) error {
	if st := e.pc.SignalingState(); st != domain.SignalingHaveRemoteOffer {
		return fmt.Errorf("%w: answer in %s", ErrWrongSignalingState, st)
	}
	if e.negotiationInProgress {
		return ErrNegotiationInProgress
	}
	e.negotiationInProgress = true
	defer func() { e.negotiationInProgress = false }()

	desc, err := e.pc.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(ctx, desc); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	err = e.send(ctx, domain.SignalAnswer, Payload{
		SDP:      &desc,
		SignalID: SignalID(desc),
		Epoch:    e.epoch.Load(),
		Ack:      e.remoteEpoch,
	})
	if err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	e.answered = true
	return nil
}

func (e *Engine) handleOfferLocked(ctx context.Context, p Payload) error {
	if p.Epoch < e.remoteEpoch {
		e.log.Debug().Uint32("epoch", p.Epoch).Msg("Offer from a discarded connection ignored")
		return nil
	}
	if p.Epoch > e.remoteEpoch {
		rebuild := e.pc.HasRemoteDescription()
		e.adoptRemoteEpochLocked(p.Epoch)
		if rebuild {
			e.log.Info().Uint32("remote_epoch", p.Epoch).Msg("Remote peer reconnected, rebuilding connection")
			if err := e.rebuildLocked(ctx); err != nil {
				e.fullReconnectLocked()
				return err
			}
			e.setPhaseLocked(domain.PhaseReconnecting)
			e.armLocked(&e.recoveryTimer, e.cfg.RecoveryTimeout, e.onRecoveryTimeoutLocked)
		}
	}

	switch st := e.pc.SignalingState(); st {
	case domain.SignalingStable:
	case domain.SignalingHaveLocalOffer:
		if e.negotiationInProgress && !e.polite() {
			e.log.Info().Msg("Offer collision, keeping local offer")
			return nil
		}
		e.log.Info().Msg("Offer collision, rolling back local offer")
		if err := e.pc.Rollback(ctx); err != nil {
			// Without rollback the local offer can only be dropped with
			// the connection that made it.
			e.log.Info().Err(err).Msg("Rollback unavailable, replacing connection")
			if err := e.rebuildLocked(ctx); err != nil {
				e.fullReconnectLocked()
				return err
			}
		}
		e.answerTimer.stop()
		e.negotiationInProgress = false
	default:
		return fmt.Errorf("%w: remote offer in %s", ErrWrongSignalingState, st)
	}

	if err := e.pc.SetRemoteDescription(ctx, *p.SDP); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	e.flushCandidatesLocked()
	if err := e.answerLocked(ctx); err != nil {
		return err
	}
	if e.phase == domain.PhaseIdle {
		e.setPhaseLocked(domain.PhaseNegotiating)
	}
	e.checkConnectedLocked()
	return nil
}

func (e *Engine) handleAnswerLocked(ctx context.Context, p Payload) error {
	if p.Ack != e.epoch.Load() || p.Epoch < e.remoteEpoch {
		e.log.Debug().Uint32("ack", p.Ack).Uint32("epoch", p.Epoch).Msg("Answer for a discarded connection ignored")
		return nil
	}
	if st := e.pc.SignalingState(); st != domain.SignalingHaveLocalOffer {
		return fmt.Errorf("%w: remote answer in %s", ErrWrongSignalingState, st)
	}
	if p.Epoch > e.remoteEpoch {
		e.adoptRemoteEpochLocked(p.Epoch)
	}
	if err := e.pc.SetRemoteDescription(ctx, *p.SDP); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	e.answerTimer.stop()
	e.negotiationInProgress = false
	e.answered = true
	e.flushCandidatesLocked()
	e.checkConnectedLocked()
	return nil
}

func (e *Engine) handleRequestOfferLocked(ctx context.Context, p Payload) error {
	if p.Epoch < e.remoteEpoch {
		return nil
	}
	if p.Epoch > e.remoteEpoch || p.Reason == ReasonReconnect {
		e.adoptRemoteEpochLocked(p.Epoch)
		e.log.Info().Uint32("remote_epoch", p.Epoch).Msg("Peer requested a fresh connection")
		e.stopRecoveryTimersLocked()
		if err := e.rebuildLocked(ctx); err != nil {
			e.fullReconnectLocked()
			return err
		}
		e.setPhaseLocked(domain.PhaseReconnecting)
		e.armLocked(&e.recoveryTimer, e.cfg.RecoveryTimeout, e.onRecoveryTimeoutLocked)
		return e.offerLocked(ctx, false)
	}

	if e.phase == domain.PhaseConnected {
		e.setPhaseLocked(domain.PhaseRecovering)
		e.armLocked(&e.recoveryTimer, e.cfg.RecoveryTimeout, e.onRecoveryTimeoutLocked)
	}
	err := e.offerLocked(ctx, true)
	if errors.Is(err, ErrNegotiationInProgress) {
		return nil
	}
	return err
}

func (e *Engine) handleCandidateLocked(ctx context.Context, c domain.ICECandidate, epoch uint32) {
	if epoch < e.remoteEpoch {
		return
	}
	if epoch == e.remoteEpoch && e.pc.HasRemoteDescription() && len(e.pendingIceQueue) == 0 {
		err := e.pc.AddICECandidate(ctx, c)
		if err == nil {
			return
		}
		e.log.Debug().Err(err).Msg("Candidate not applied, queueing")
	}
	if len(e.pendingIceQueue) >= e.cfg.MaxPendingCandidates {
		e.log.Warn().Int("limit", e.cfg.MaxPendingCandidates).Msg("Candidate queue full, dropping oldest")
		e.pendingIceQueue = e.pendingIceQueue[1:]
	}
	e.pendingIceQueue = append(e.pendingIceQueue, queuedCandidate{c: c, epoch: epoch})
	if e.pc.HasRemoteDescription() {
		e.flushCandidatesLocked()
	}
}

// flushCandidatesLocked applies queued candidates in receipt order. A failed
// candidate stays at the head of the queue and is retried with backoff.
func (e *Engine) flushCandidatesLocked() {
	if e.flushTimer.armed() {
		return
	}
	for len(e.pendingIceQueue) > 0 && e.pc.HasRemoteDescription() {
		qc := e.pendingIceQueue[0]
		if qc.epoch < e.remoteEpoch {
			e.pendingIceQueue = e.pendingIceQueue[1:]
			continue
		}
		if qc.epoch > e.remoteEpoch {
			return
		}
		if err := e.pc.AddICECandidate(e.ctx, qc.c); err != nil {
			e.candidateBackoff = nextBackoff(e.candidateBackoff, e.cfg.CandidateRetryBase, e.cfg.CandidateRetryMax)
			e.log.Debug().Err(err).Dur("retry_in", e.candidateBackoff).Msg("Candidate apply failed")
			e.armLocked(&e.flushTimer, e.candidateBackoff, e.flushCandidatesLocked)
			return
		}
		e.pendingIceQueue = e.pendingIceQueue[1:]
		e.candidateBackoff = 0
	}
}

func (e *Engine) adoptRemoteEpochLocked(epoch uint32) {
	e.remoteEpoch = epoch
	kept := e.pendingIceQueue[:0]
	for _, qc := range e.pendingIceQueue {
		if qc.epoch >= epoch {
			kept = append(kept, qc)
		}
	}
	e.pendingIceQueue = kept
}

func (e *Engine) onAnswerTimeoutLocked() {
	if e.pc == nil || e.pc.SignalingState() != domain.SignalingHaveLocalOffer {
		return
	}
	if !e.hasConnected {
		e.log.Warn().Dur("timeout", e.cfg.SignalingTimeout).Msg("No answer to offer")
		e.failLocked(ErrNoAnswer)
		return
	}
	e.negotiationInProgress = false
	if err := e.pc.Rollback(e.ctx); err != nil {
		e.log.Warn().Err(err).Msg("Rollback of unanswered offer failed, reconnecting")
		e.fullReconnectLocked()
		return
	}
	if e.pc.ConnectionState() != domain.ConnectionConnected {
		e.fullReconnectLocked()
	}
}

func (e *Engine) send(ctx context.Context, t domain.SignalType, p Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return e.sender.SendSignal(ctx, domain.SignalEnvelope{
		Type:       t,
		CallID:     e.p.CallID,
		FromUserID: e.p.LocalID,
		ToUserID:   e.p.RemoteID,
		Payload:    raw,
		Timestamp:  time.Now(),
	})
}

func (e *Engine) newConnectionLocked(ctx context.Context) error {
	pc, err := e.factory.NewPeerConnection(ctx, e.p.CallType)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	gen := e.gen.Add(1)
	pc.OnICECandidate(func(c domain.ICECandidate) { e.onLocalCandidate(gen, c) })
	pc.OnConnectionStateChange(func(domain.ConnectionState) { go e.onConnectionState(gen) })
	e.pc = pc
	return nil
}

// rebuildLocked discards the current connection and starts a new epoch.
func (e *Engine) rebuildLocked(ctx context.Context) error {
	if e.pc != nil {
		if err := e.pc.Close(); err != nil {
			e.log.Debug().Err(err).Msg("Closing replaced connection")
		}
		e.pc = nil
	}
	e.answerTimer.stop()
	e.flushTimer.stop()
	e.negotiationInProgress = false
	e.answered = false
	e.candidateBackoff = 0
	e.processedCandidates.Reset()
	e.epoch.Add(1)
	e.candMu.Lock()
	e.sentCandidates.Reset()
	e.candMu.Unlock()
	return e.newConnectionLocked(ctx)
}

func (e *Engine) onLocalCandidate(gen uint64, c domain.ICECandidate) {
	if e.stopped.Load() || e.gen.Load() != gen || c.Candidate == "" {
		return
	}
	epoch := e.epoch.Load()
	e.candMu.Lock()
	fresh := e.sentCandidates.Add(candidateFingerprint(c, epoch))
	e.candMu.Unlock()
	if !fresh {
		return
	}
	if err := e.send(e.ctx, domain.SignalCandidate, Payload{Candidate: &c, Epoch: epoch}); err != nil {
		e.log.Warn().Err(err).Msg("Failed to send local candidate")
	}
}

func (e *Engine) failLocked(err error) {
	e.stopped.Store(true)
	e.stopTimersLocked()
	e.pendingIceQueue = nil
	if e.pc != nil {
		_ = e.pc.Close()
		e.pc = nil
	}
	e.cancel()
	e.log.Error().Err(err).Msg("Negotiation failed")
	e.setPhaseLocked(domain.PhaseFailed)
	e.noteLocked(func() { e.observer.OnTerminalError(err) })
}

func (e *Engine) terminatedLocked() bool {
	return e.phase == domain.PhaseFailed || e.phase == domain.PhaseClosed
}

func (e *Engine) setPhaseLocked(phase domain.NegotiationPhase) {
	if e.phase == phase {
		return
	}
	e.log.Info().Str("from", string(e.phase)).Str("to", string(phase)).Msg("Negotiation phase changed")
	e.phase = phase
	e.noteLocked(func() { e.observer.OnPhase(phase) })
}

// noteLocked queues an observer call to run once mu is released.
func (e *Engine) noteLocked(fn func()) {
	e.notes = append(e.notes, fn)
}

func (e *Engine) unlock() {
	notes := e.notes
	e.notes = nil
	e.mu.Unlock()
	for _, fn := range notes {
		fn()
	}
}

func (e *Engine) stopRecoveryTimersLocked() {
	e.graceTimer.stop()
	e.recoveryTimer.stop()
	e.reconnectTimer.stop()
}

func (e *Engine) stopTimersLocked() {
	e.stopRecoveryTimersLocked()
	e.answerTimer.stop()
	e.flushTimer.stop()
	e.qualityTimer.stop()
}

func nextBackoff(cur, base, max time.Duration) time.Duration {
	if cur <= 0 {
		return base
	}
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}
