package negotiation

import (
	"errors"
	"time"

	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

// timer is a cancellable handle owned by the engine. Stopping it also
// invalidates a callback that already fired and is waiting for the lock.
type timer struct {
	t   *time.Timer
	seq uint64
}

func (tm *timer) stop() {
	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
	tm.seq++
}

func (tm *timer) armed() bool { return tm.t != nil }

// armLocked (re)arms tm; fn runs with mu held.
func (e *Engine) armLocked(tm *timer, d time.Duration, fn func()) {
	tm.stop()
	seq := tm.seq
	tm.t = time.AfterFunc(d, func() {
		e.mu.Lock()
		defer e.unlock()
		if e.terminatedLocked() || tm.seq != seq {
			return
		}
		tm.t = nil
		fn()
	})
}

// onConnectionState re-reads the connection state rather than trusting the
// notified value, so out-of-order notifications converge.
func (e *Engine) onConnectionState(gen uint64) {
	e.mu.Lock()
	defer e.unlock()
	if e.terminatedLocked() || e.pc == nil || gen != e.gen.Load() {
		return
	}

	switch st := e.pc.ConnectionState(); st {
	case domain.ConnectionConnected:
		e.onConnectedLocked()
	case domain.ConnectionDisconnected:
		if e.phase == domain.PhaseConnected && !e.graceTimer.armed() {
			e.log.Info().Dur("grace", e.cfg.GracePeriod).Msg("Connection disconnected, waiting for self-heal")
			e.armLocked(&e.graceTimer, e.cfg.GracePeriod, e.onGraceExpiredLocked)
		}
	case domain.ConnectionFailed:
		e.log.Warn().Str("phase", string(e.phase)).Msg("Connection failed")
		e.fullReconnectLocked()
	}
}

func (e *Engine) checkConnectedLocked() {
	if e.pc != nil && e.phase != domain.PhaseConnected && e.pc.ConnectionState() == domain.ConnectionConnected {
		e.onConnectedLocked()
	}
}

func (e *Engine) onConnectedLocked() {
	e.graceTimer.stop()
	e.recoveryTimer.stop()
	e.reconnectTimer.stop()
	e.retryCount = 0
	e.poorSamples = 0
	e.hasConnected = true
	e.setPhaseLocked(domain.PhaseConnected)
	if !e.qualityTimer.armed() && e.cfg.QualityInterval > 0 {
		e.armLocked(&e.qualityTimer, e.cfg.QualityInterval, e.sampleQualityLocked)
	}
}

func (e *Engine) onGraceExpiredLocked() {
	switch e.pc.ConnectionState() {
	case domain.ConnectionConnected:
		e.onConnectedLocked()
	case domain.ConnectionFailed:
		e.fullReconnectLocked()
	case domain.ConnectionDisconnected:
		e.log.Info().Msg("Still disconnected after grace period, restarting ICE")
		e.iceRestartLocked()
	}
}

// iceRestartLocked is the first rung of recovery. Only the initiator offers;
// the responder asks it to.
func (e *Engine) iceRestartLocked() {
	e.setPhaseLocked(domain.PhaseRecovering)
	e.armLocked(&e.recoveryTimer, e.cfg.RecoveryTimeout, e.onRecoveryTimeoutLocked)

	if e.p.Role == domain.RoleInitiator {
		err := e.offerLocked(e.ctx, true)
		if err == nil || errors.Is(err, ErrNegotiationInProgress) {
			return
		}
		e.log.Warn().Err(err).Msg("ICE restart unavailable, falling back to full reconnect")
		e.fullReconnectLocked()
		return
	}
	if err := e.requestOfferLocked(ReasonRenegotiate); err != nil {
		e.log.Warn().Err(err).Msg("Failed to request ICE restart")
	}
}

func (e *Engine) onRecoveryTimeoutLocked() {
	if e.pc != nil && e.pc.ConnectionState() == domain.ConnectionConnected {
		e.onConnectedLocked()
		return
	}
	e.log.Warn().Dur("timeout", e.cfg.RecoveryTimeout).Str("phase", string(e.phase)).Msg("Recovery timed out")
	e.fullReconnectLocked()
}

// fullReconnectLocked schedules the next full reconnect, or fails the engine
// once the attempts are used up.
func (e *Engine) fullReconnectLocked() {
	if e.reconnectTimer.armed() {
		return
	}
	e.graceTimer.stop()
	e.recoveryTimer.stop()
	e.answerTimer.stop()
	if e.retryCount >= e.cfg.MaxReconnectAttempts {
		e.failLocked(ErrReconnectExhausted)
		return
	}
	e.retryCount++
	e.setPhaseLocked(domain.PhaseReconnecting)
	delay := e.cfg.ReconnectBaseDelay * time.Duration(e.retryCount)
	e.log.Info().Int("attempt", e.retryCount).Dur("delay", delay).Msg("Scheduling full reconnect")
	e.armLocked(&e.reconnectTimer, delay, e.reconnectLocked)
}

func (e *Engine) reconnectLocked() {
	if err := e.rebuildLocked(e.ctx); err != nil {
		e.log.Error().Err(err).Msg("Reconnect failed")
		e.fullReconnectLocked()
		return
	}
	e.armLocked(&e.recoveryTimer, e.cfg.RecoveryTimeout, e.onRecoveryTimeoutLocked)

	var err error
	if e.p.Role == domain.RoleInitiator {
		err = e.offerLocked(e.ctx, false)
	} else {
		err = e.requestOfferLocked(ReasonReconnect)
	}
	if err != nil {
		e.log.Warn().Err(err).Msg("Reconnect negotiation not started")
	}
}

func (e *Engine) requestOfferLocked(reason string) error {
	return e.send(e.ctx, domain.SignalRequestOffer, Payload{
		SignalID: domain.NewConnectionID().String(),
		Epoch:    e.epoch.Load(),
		Ack:      e.remoteEpoch,
		Reason:   reason,
	})
}

// sampleQualityLocked reads transport stats and reports a quality level.
// Consecutive poor samples while connected trigger a proactive ICE restart.
func (e *Engine) sampleQualityLocked() {
	e.armLocked(&e.qualityTimer, e.cfg.QualityInterval, e.sampleQualityLocked)
	if e.pc == nil || (e.phase != domain.PhaseConnected && e.phase != domain.PhaseRecovering) {
		return
	}

	stats, err := e.pc.Stats(e.ctx)
	if err != nil {
		e.log.Debug().Err(err).Msg("Stats unavailable")
		stats = domain.TransportStats{}
	}
	q := domain.ClassifyQuality(stats)
	e.quality = q
	e.noteLocked(func() { e.observer.OnQuality(q, stats) })

	if e.phase != domain.PhaseConnected {
		return
	}
	if q != domain.QualityPoor {
		e.poorSamples = 0
		return
	}
	e.poorSamples++
	if e.poorSamples >= e.cfg.PoorQualityThreshold {
		e.poorSamples = 0
		e.log.Info().
			Dur("rtt", stats.RoundTripTime).
			Float64("loss", stats.PacketLoss).
			Dur("jitter", stats.Jitter).
			Msg("Sustained poor quality, restarting ICE")
		e.iceRestartLocked()
	}
}
