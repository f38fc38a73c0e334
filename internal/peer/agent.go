// Package peer runs calls for one user: it answers relay events and drives a
// negotiation engine per call.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
	"github.com/yaront1111/mandarin-sub007/internal/core/negotiation"
	"github.com/yaront1111/mandarin-sub007/internal/core/port"
)

// Relay is the outbound half of the relay connection.
type Relay interface {
	port.SignalSender
	Initiate(ctx context.Context, req domain.InitiateRequest) error
	Answer(ctx context.Context, req domain.AnswerRequest) error
	Connected(ctx context.Context, callID domain.CallID) error
	Hangup(ctx context.Context, req domain.HangupRequest) error
}

type Config struct {
	User       domain.UserID
	AutoAnswer bool
	Engine     negotiation.Config
}

// CallStatus is a point-in-time view of one call.
type CallStatus struct {
	CallID      domain.CallID
	Remote      domain.UserID
	Role        domain.Role
	CallType    domain.CallType
	Phase       domain.NegotiationPhase
	Quality     domain.Quality
	Started     bool
	ReportedUp  bool
	Negotiation negotiation.Snapshot
}

type call struct {
	id       domain.CallID
	remote   domain.UserID
	role     domain.Role
	callType domain.CallType
	engine   *negotiation.Engine

	phase      domain.NegotiationPhase
	quality    domain.Quality
	reportedUp bool
}

// Agent is the peer-side call controller. It implements the relay client's
// event handler.
type Agent struct {
	cfg     Config
	factory port.PeerConnectionFactory
	relay   Relay
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	calls map[domain.CallID]*call
	ended chan domain.CallID
}

func NewAgent(cfg Config, factory port.PeerConnectionFactory) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:     cfg,
		factory: factory,
		log:     log.With().Str("user_id", cfg.User.String()).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		calls:   make(map[domain.CallID]*call),
		ended:   make(chan domain.CallID, 16),
	}
}

// Bind attaches the relay connection. It must be called before any event is
// handled.
func (a *Agent) Bind(r Relay) {
	a.relay = r
}

// Ended yields the id of every call that finishes, for whatever reason.
func (a *Agent) Ended() <-chan domain.CallID {
	return a.ended
}

// Place starts an outgoing call. The engine starts once the callee accepts.
func (a *Agent) Place(ctx context.Context, to domain.UserID, callType domain.CallType) (domain.CallID, error) {
	id := domain.NewCallID()
	a.mu.Lock()
	a.calls[id] = &call{
		id:       id,
		remote:   to,
		role:     domain.RoleInitiator,
		callType: callType,
		phase:    domain.PhaseIdle,
		quality:  domain.QualityUnknown,
	}
	a.mu.Unlock()

	if err := a.relay.Initiate(ctx, domain.InitiateRequest{RecipientID: to, CallType: callType, CallID: id}); err != nil {
		a.drop(id)
		return "", fmt.Errorf("initiate: %w", err)
	}
	a.log.Info().Str("call_id", id.String()).Str("to", to.String()).Msg("Calling")
	return id, nil
}

// Hangup ends a call locally and tells the other side.
func (a *Agent) Hangup(ctx context.Context, id domain.CallID) error {
	c := a.drop(id)
	if c == nil {
		return domain.ErrCallNotFound
	}
	return a.relay.Hangup(ctx, domain.HangupRequest{CallID: id, ToUserID: c.remote})
}

// Calls returns the status of every live call.
func (a *Agent) Calls() []CallStatus {
	a.mu.Lock()
	engines := make([]*negotiation.Engine, 0, len(a.calls))
	out := make([]CallStatus, 0, len(a.calls))
	for _, c := range a.calls {
		engines = append(engines, c.engine)
		out = append(out, CallStatus{
			CallID:     c.id,
			Remote:     c.remote,
			Role:       c.role,
			CallType:   c.callType,
			Phase:      c.phase,
			Quality:    c.quality,
			Started:    c.engine != nil,
			ReportedUp: c.reportedUp,
		})
	}
	a.mu.Unlock()

	for i, e := range engines {
		if e != nil {
			out[i].Negotiation = e.Snapshot()
		}
	}
	return out
}

// Close hangs up every call.
func (a *Agent) Close(ctx context.Context) {
	a.mu.Lock()
	ids := make([]domain.CallID, 0, len(a.calls))
	for id := range a.calls {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		if err := a.Hangup(ctx, id); err != nil {
			a.log.Debug().Err(err).Str("call_id", id.String()).Msg("Hangup on close failed")
		}
	}
	a.cancel()
}

func (a *Agent) OnInitiated(p domain.InitiatedPayload) {
	a.log.Info().Str("call_id", p.CallID.String()).Str("state", string(p.State)).Msg("Relay accepted call")
}

func (a *Agent) OnIncoming(p domain.IncomingPayload) {
	l := a.log.With().Str("call_id", p.CallID.String()).Str("from", p.FromUserID.String()).Logger()
	l.Info().Str("call_type", string(p.CallType)).Str("caller_name", p.CallerInfo.Name).Msg("Incoming call")

	if !a.cfg.AutoAnswer {
		a.answer(p, false, l)
		return
	}

	a.mu.Lock()
	if _, dup := a.calls[p.CallID]; dup {
		a.mu.Unlock()
		return
	}
	c := &call{
		id:       p.CallID,
		remote:   p.FromUserID,
		role:     domain.RoleResponder,
		callType: p.CallType,
		phase:    domain.PhaseIdle,
		quality:  domain.QualityUnknown,
	}
	a.calls[c.id] = c
	a.mu.Unlock()

	// The engine must exist before the accept reaches the caller, whose offer
	// follows immediately.
	if err := a.start(c); err != nil {
		l.Error().Err(err).Msg("Failed to start negotiation")
		a.drop(c.id)
		a.answer(p, false, l)
		return
	}
	a.answer(p, true, l)
}

func (a *Agent) answer(p domain.IncomingPayload, accept bool, l zerolog.Logger) {
	err := a.relay.Answer(a.ctx, domain.AnswerRequest{CallerID: p.FromUserID, CallID: p.CallID, Accept: accept})
	if err != nil {
		l.Error().Err(err).Bool("accept", accept).Msg("Failed to answer")
		if accept {
			a.drop(p.CallID)
		}
	}
}

func (a *Agent) OnAnswered(p domain.AnsweredPayload) {
	l := a.log.With().Str("call_id", p.CallID.String()).Logger()
	a.mu.Lock()
	c, ok := a.calls[p.CallID]
	a.mu.Unlock()
	if !ok || c.role != domain.RoleInitiator {
		l.Debug().Msg("Answer for unknown call")
		return
	}
	if !p.Accept {
		l.Info().Msg("Call rejected")
		a.drop(p.CallID)
		return
	}
	l.Info().Msg("Call accepted")
	if err := a.start(c); err != nil {
		l.Error().Err(err).Msg("Failed to start negotiation")
		if err := a.Hangup(a.ctx, c.id); err != nil {
			l.Debug().Err(err).Msg("Hangup after failed start")
		}
	}
}

func (a *Agent) OnMissed(p domain.MissedPayload) {
	a.log.Info().Str("call_id", p.CallID.String()).Msg("Call missed")
	a.drop(p.CallID)
}

func (a *Agent) OnHangup(p domain.HangupPayload) {
	a.log.Info().Str("call_id", p.CallID.String()).Str("reason", string(p.Reason)).Msg("Remote hangup")
	a.drop(p.CallID)
}

func (a *Agent) OnMediaControl(p domain.MediaControlPayload) {
	a.log.Info().Str("call_id", p.CallID.String()).Str("kind", string(p.Kind)).Bool("muted", p.Muted).Msg("Remote media changed")
}

func (a *Agent) OnCallError(p domain.CallErrorPayload) {
	a.log.Warn().Str("call_id", p.CallID.String()).Str("reason", p.Reason).Msg("Call error")
	if p.CallID == "" {
		return
	}
	a.mu.Lock()
	c, ok := a.calls[p.CallID]
	pending := ok && c.engine == nil
	a.mu.Unlock()
	// Errors about a running call are about one request, not the call.
	if pending {
		a.drop(p.CallID)
	}
}

func (a *Agent) OnDeliveryFailed(p domain.DeliveryFailedPayload) {
	a.log.Warn().Str("event", string(p.Event)).Str("to", p.ToUserID.String()).Str("reason", p.Reason).Msg("Relay could not deliver")
}

func (a *Agent) OnSignal(env domain.SignalEnvelope) {
	a.mu.Lock()
	var e *negotiation.Engine
	if c, ok := a.calls[env.CallID]; ok {
		e = c.engine
	}
	a.mu.Unlock()
	if e == nil {
		a.log.Debug().Str("call_id", env.CallID.String()).Str("type", string(env.Type)).Msg("Signal for unknown call")
		return
	}
	if err := e.HandleSignal(a.ctx, env); err != nil && !errors.Is(err, negotiation.ErrClosed) {
		a.log.Warn().Err(err).Str("call_id", env.CallID.String()).Str("type", string(env.Type)).Msg("Signal not applied")
	}
}

func (a *Agent) start(c *call) error {
	e := negotiation.NewEngine(a.cfg.Engine, negotiation.Params{
		CallID:   c.id,
		LocalID:  a.cfg.User,
		RemoteID: c.remote,
		Role:     c.role,
		CallType: c.callType,
	}, a.factory, a.relay, &observer{agent: a, callID: c.id})

	a.mu.Lock()
	if a.calls[c.id] != c {
		a.mu.Unlock()
		return negotiation.ErrClosed
	}
	c.engine = e
	a.mu.Unlock()
	return e.Start(a.ctx)
}

// drop forgets a call and releases its engine. It returns nil when the call
// was already gone.
func (a *Agent) drop(id domain.CallID) *call {
	a.mu.Lock()
	c, ok := a.calls[id]
	delete(a.calls, id)
	var e *negotiation.Engine
	if ok {
		e = c.engine
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if e != nil {
		if err := e.Close(); err != nil {
			a.log.Debug().Err(err).Str("call_id", id.String()).Msg("Engine close")
		}
	}
	select {
	case a.ended <- id:
	default:
	}
	return c
}

type observer struct {
	agent  *Agent
	callID domain.CallID
}

func (o *observer) OnPhase(phase domain.NegotiationPhase) {
	a := o.agent
	a.mu.Lock()
	c, ok := a.calls[o.callID]
	report := false
	if ok {
		c.phase = phase
		if phase == domain.PhaseConnected && !c.reportedUp {
			c.reportedUp = true
			report = true
		}
	}
	a.mu.Unlock()

	if report {
		a.log.Info().Str("call_id", o.callID.String()).Msg("Media connected")
		if err := a.relay.Connected(a.ctx, o.callID); err != nil {
			a.log.Warn().Err(err).Str("call_id", o.callID.String()).Msg("Failed to report connected")
		}
	}
}

func (o *observer) OnQuality(q domain.Quality, stats domain.TransportStats) {
	a := o.agent
	a.mu.Lock()
	if c, ok := a.calls[o.callID]; ok {
		c.quality = q
	}
	a.mu.Unlock()
	a.log.Debug().Str("call_id", o.callID.String()).Str("quality", string(q)).
		Dur("rtt", stats.RoundTripTime).Float64("loss", stats.PacketLoss).Dur("jitter", stats.Jitter).
		Msg("Call quality")
}

func (o *observer) OnTerminalError(err error) {
	a := o.agent
	a.log.Error().Err(err).Str("call_id", o.callID.String()).Msg("Call could not be kept up")
	if herr := a.Hangup(a.ctx, o.callID); herr != nil && !errors.Is(herr, domain.ErrCallNotFound) {
		a.log.Warn().Err(herr).Str("call_id", o.callID.String()).Msg("Hangup after failure")
	}
}
