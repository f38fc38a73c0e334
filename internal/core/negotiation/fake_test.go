package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
	"github.com/yaront1111/mandarin-sub007/internal/core/port"
)

type fakePC struct {
	name string

	mu          sync.Mutex
	signaling   domain.SignalingState
	conn        domain.ConnectionState
	remote      *domain.SessionDescription
	seq         int
	offers      int
	iceRestarts int
	remoteSets  int
	applied     []string
	failAdds    int
	offerErr    error
	rollbackErr error
	stats       domain.TransportStats
	closed      bool
	onCandidate func(domain.ICECandidate)
	onState     func(domain.ConnectionState)
}

func (f *fakePC) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return domain.SessionDescription{}, f.offerErr
	}
	f.seq++
	f.offers++
	if iceRestart {
		f.iceRestarts++
	}
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: fmt.Sprintf("offer %s #%d restart=%v", f.name, f.seq, iceRestart)}, nil
}

func (f *fakePC) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: fmt.Sprintf("answer %s #%d", f.name, f.seq)}, nil
}

func (f *fakePC) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch desc.Type {
	case domain.SDPTypeOffer:
		if f.signaling != domain.SignalingStable {
			return fmt.Errorf("set local offer in %s", f.signaling)
		}
		f.signaling = domain.SignalingHaveLocalOffer
	case domain.SDPTypeAnswer:
		if f.signaling != domain.SignalingHaveRemoteOffer {
			return fmt.Errorf("set local answer in %s", f.signaling)
		}
		f.signaling = domain.SignalingStable
	}
	return nil
}

func (f *fakePC) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch desc.Type {
	case domain.SDPTypeOffer:
		if f.signaling != domain.SignalingStable {
			return fmt.Errorf("set remote offer in %s", f.signaling)
		}
		f.signaling = domain.SignalingHaveRemoteOffer
	case domain.SDPTypeAnswer:
		if f.signaling != domain.SignalingHaveLocalOffer {
			return fmt.Errorf("set remote answer in %s", f.signaling)
		}
		f.signaling = domain.SignalingStable
	}
	d := desc
	f.remote = &d
	f.remoteSets++
	return nil
}

func (f *fakePC) Rollback(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	if f.signaling != domain.SignalingHaveLocalOffer {
		return fmt.Errorf("rollback in %s", f.signaling)
	}
	f.signaling = domain.SignalingStable
	return nil
}

func (f *fakePC) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("no remote description")
	}
	if f.failAdds > 0 {
		f.failAdds--
		return errors.New("transport not ready")
	}
	f.applied = append(f.applied, c.Candidate)
	return nil
}

func (f *fakePC) SignalingState() domain.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakePC) ConnectionState() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakePC) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote != nil
}

func (f *fakePC) Stats(ctx context.Context) (domain.TransportStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakePC) OnICECandidate(fn func(domain.ICECandidate)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakePC) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.signaling = domain.SignalingClosed
	f.conn = domain.ConnectionClosed
	return nil
}

func (f *fakePC) setConn(st domain.ConnectionState) {
	f.mu.Lock()
	f.conn = st
	cb := f.onState
	f.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func (f *fakePC) emit(candidate string) {
	f.mu.Lock()
	cb := f.onCandidate
	f.mu.Unlock()
	if cb != nil {
		cb(domain.ICECandidate{Candidate: candidate})
	}
}

func (f *fakePC) setStats(s domain.TransportStats) {
	f.mu.Lock()
	f.stats = s
	f.mu.Unlock()
}

func (f *fakePC) snapshot() (offers, restarts, remoteSets int, applied []string, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.iceRestarts, f.remoteSets, append([]string(nil), f.applied...), f.closed
}

type fakeFactory struct {
	name        string
	rollbackErr error

	mu  sync.Mutex
	pcs []*fakePC
}

func (ff *fakeFactory) NewPeerConnection(ctx context.Context, callType domain.CallType) (port.PeerConnection, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	pc := &fakePC{
		name:        fmt.Sprintf("%s/%d", ff.name, len(ff.pcs)),
		signaling:   domain.SignalingStable,
		conn:        domain.ConnectionNew,
		rollbackErr: ff.rollbackErr,
	}
	ff.pcs = append(ff.pcs, pc)
	return pc, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.pcs)
}

func (ff *fakeFactory) last() *fakePC {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.pcs[len(ff.pcs)-1]
}

// wire is an in-memory relay. Signals queue up in send order and are only
// delivered when the test pumps them.
type wire struct {
	mu      sync.Mutex
	queue   []domain.SignalEnvelope
	sent    []domain.SignalEnvelope
	engines map[domain.UserID]*Engine
}

func newWire() *wire {
	return &wire{engines: make(map[domain.UserID]*Engine)}
}

func (w *wire) SendSignal(ctx context.Context, env domain.SignalEnvelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, env)
	w.sent = append(w.sent, env)
	return nil
}

func (w *wire) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *wire) countSent(from domain.UserID, t domain.SignalType) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, env := range w.sent {
		if env.FromUserID == from && env.Type == t {
			n++
		}
	}
	return n
}

func (w *wire) lastSent(t domain.SignalType) (domain.SignalEnvelope, Payload, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.sent) - 1; i >= 0; i-- {
		if w.sent[i].Type == t {
			var p Payload
			_ = json.Unmarshal(w.sent[i].Payload, &p)
			return w.sent[i], p, true
		}
	}
	return domain.SignalEnvelope{}, Payload{}, false
}

func (w *wire) pump(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		env := w.queue[0]
		w.queue = w.queue[1:]
		target := w.engines[env.ToUserID]
		w.mu.Unlock()

		if target == nil {
			continue
		}
		if err := target.HandleSignal(context.Background(), env); err != nil && !errors.Is(err, ErrClosed) {
			t.Logf("%s handling %s: %v", env.ToUserID, env.Type, err)
		}
	}
	t.Fatalf("wire did not settle")
}

type recorder struct {
	mu        sync.Mutex
	phases    []domain.NegotiationPhase
	qualities []domain.Quality
	errs      []error
}

func (r *recorder) OnPhase(p domain.NegotiationPhase) {
	r.mu.Lock()
	r.phases = append(r.phases, p)
	r.mu.Unlock()
}

func (r *recorder) OnQuality(q domain.Quality, _ domain.TransportStats) {
	r.mu.Lock()
	r.qualities = append(r.qualities, q)
	r.mu.Unlock()
}

func (r *recorder) OnTerminalError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) sawPhase(p domain.NegotiationPhase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.phases {
		if got == p {
			return true
		}
	}
	return false
}

func (r *recorder) sawQuality(q domain.Quality) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.qualities {
		if got == q {
			return true
		}
	}
	return false
}

func (r *recorder) terminal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}

type peer struct {
	engine  *Engine
	factory *fakeFactory
	obs     *recorder
}

const testCallID domain.CallID = "call-1"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SignalingTimeout = time.Minute
	cfg.GracePeriod = 80 * time.Millisecond
	cfg.RecoveryTimeout = 40 * time.Millisecond
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.QualityInterval = time.Hour
	cfg.CandidateRetryBase = 5 * time.Millisecond
	cfg.CandidateRetryMax = 20 * time.Millisecond
	return cfg
}

func newPeer(t *testing.T, cfg Config, w *wire, local, remote domain.UserID, role domain.Role) *peer {
	t.Helper()
	p := &peer{factory: &fakeFactory{name: string(local)}, obs: &recorder{}}
	p.engine = NewEngine(cfg, Params{
		CallID:   testCallID,
		LocalID:  local,
		RemoteID: remote,
		Role:     role,
		CallType: domain.CallTypeVideo,
	}, p.factory, w, p.obs)
	w.mu.Lock()
	w.engines[local] = p.engine
	w.mu.Unlock()
	t.Cleanup(func() { _ = p.engine.Close() })
	return p
}

// newPair returns alice as initiator and bob as responder. Bob has the larger
// id and is therefore the polite side.
func newPair(t *testing.T, cfg Config) (*wire, *peer, *peer) {
	t.Helper()
	w := newWire()
	a := newPeer(t, cfg, w, "alice", "bob", domain.RoleInitiator)
	b := newPeer(t, cfg, w, "bob", "alice", domain.RoleResponder)
	return w, a, b
}

func connectPair(t *testing.T, w *wire, a, b *peer) {
	t.Helper()
	ctx := context.Background()
	if err := b.engine.Start(ctx); err != nil {
		t.Fatalf("responder Start: %v", err)
	}
	if err := a.engine.Start(ctx); err != nil {
		t.Fatalf("initiator Start: %v", err)
	}
	w.pump(t)
	a.factory.last().setConn(domain.ConnectionConnected)
	b.factory.last().setConn(domain.ConnectionConnected)
	waitFor(t, "both connected", func() bool {
		return a.engine.Snapshot().Phase == domain.PhaseConnected && b.engine.Snapshot().Phase == domain.PhaseConnected
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func signal(t *testing.T, typ domain.SignalType, p Payload) domain.SignalEnvelope {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return domain.SignalEnvelope{Type: typ, CallID: testCallID, FromUserID: "alice", ToUserID: "bob", Payload: raw}
}

func candidate(s string) *domain.ICECandidate {
	return &domain.ICECandidate{Candidate: s}
}
