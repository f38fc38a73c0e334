package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	dirmem "github.com/yaront1111/mandarin-sub007/internal/adapter/driven/directory/memory"
	"github.com/yaront1111/mandarin-sub007/internal/adapter/driven/gateway/ws"
	"github.com/yaront1111/mandarin-sub007/internal/adapter/driven/persistence/memory"
	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

type recConn struct {
	id   domain.ConnectionID
	user domain.UserID

	mu     sync.Mutex
	frames []domain.Frame
	fail   bool
}

func newRecConn(user domain.UserID) *recConn {
	return &recConn{id: domain.NewConnectionID(), user: user}
}

func (c *recConn) ID() domain.ConnectionID { return c.id }
func (c *recConn) UserID() domain.UserID   { return c.user }
func (c *recConn) Close() error            { return nil }

func (c *recConn) Send(frame domain.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write: broken pipe")
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *recConn) setFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func (c *recConn) count(t domain.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Type == t {
			n++
		}
	}
	return n
}

func (c *recConn) last(t domain.EventType, v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Type == t {
			if v != nil {
				_ = json.Unmarshal(c.frames[i].Payload, v)
			}
			return true
		}
	}
	return false
}

type testEnv struct {
	svc     *CallService
	hub     *ws.Hub
	store   *memory.SessionStore
	dir     *dirmem.Directory
	history *memory.CallHistoryRepository
}

func testCallConfig() CallConfig {
	return CallConfig{
		RingTimeout:        time.Minute,
		MaxCallDuration:    time.Hour,
		SessionRetention:   time.Minute,
		DeliveryAttempts:   3,
		DeliveryRetryDelay: 10 * time.Millisecond,
	}
}

func newTestEnv(t *testing.T, cfg CallConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		hub:   ws.NewHub(),
		store: memory.NewSessionStore(),
		dir: dirmem.NewDirectory(false,
			dirmem.User{ID: "alice", Name: "Alice", CallTypes: []domain.CallType{domain.CallTypeAudio, domain.CallTypeVideo}},
			dirmem.User{ID: "bob", Name: "Bob", CallTypes: []domain.CallType{domain.CallTypeAudio, domain.CallTypeVideo}},
			dirmem.User{ID: "carol", Name: "Carol"},
		),
		history: memory.NewCallHistoryRepository(),
	}
	env.svc = NewCallService(cfg, CallDeps{
		Store:        env.store,
		Presence:     env.hub,
		Entitlements: env.dir,
		Directory:    env.dir,
		History:      env.history,
	})
	t.Cleanup(func() { env.svc.Close(context.Background()) })
	return env
}

func (e *testEnv) connect(user domain.UserID) *recConn {
	c := newRecConn(user)
	e.hub.Add(c)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCallService_FullCallFlow(t *testing.T) {
	env := newTestEnv(t, testCallConfig())
	ctx := context.Background()
	alice := env.connect("alice")
	bob := env.connect("bob")

	rec, err := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeVideo})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if rec.State != domain.CallStateRinging {
		t.Fatalf("state = %s, want ringing", rec.State)
	}
	if n := bob.count(domain.EventIncoming); n != 1 {
		t.Fatalf("bob received %d incoming events, want 1", n)
	}
	var incoming domain.IncomingPayload
	bob.last(domain.EventIncoming, &incoming)
	if incoming.CallID != rec.CallID || incoming.FromUserID != "alice" || incoming.CallerInfo.Name != "Alice" {
		t.Fatalf("unexpected incoming payload %+v", incoming)
	}

	rec, err = env.svc.Answer(ctx, "bob", domain.AnswerRequest{CallerID: "alice", CallID: rec.CallID, Accept: true})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if rec.State != domain.CallStateAccepted {
		t.Fatalf("state = %s, want accepted", rec.State)
	}
	if n := alice.count(domain.EventAnswered); n != 1 {
		t.Fatalf("alice received %d answered events, want 1", n)
	}
	var answered domain.AnsweredPayload
	alice.last(domain.EventAnswered, &answered)
	if !answered.Accept || answered.FromUserID != "bob" {
		t.Fatalf("unexpected answered payload %+v", answered)
	}

	offer := domain.SignalEnvelope{
		Type:     domain.SignalOffer,
		CallID:   rec.CallID,
		ToUserID: "bob",
		Payload:  json.RawMessage(`{"sdp":{"type":"offer","sdp":"v=0"}}`),
	}
	if err := env.svc.RelaySignal(ctx, "alice", offer); err != nil {
		t.Fatalf("RelaySignal: %v", err)
	}
	var routed domain.SignalEnvelope
	if !bob.last(domain.EventOffer, &routed) {
		t.Fatalf("bob did not receive the offer")
	}
	if routed.FromUserID != "alice" || string(routed.Payload) != string(offer.Payload) {
		t.Fatalf("offer was altered in transit: %+v", routed)
	}

	answer := offer
	answer.Type = domain.SignalAnswer
	answer.ToUserID = "alice"
	if err := env.svc.RelaySignal(ctx, "bob", answer); err != nil {
		t.Fatalf("RelaySignal answer: %v", err)
	}
	if alice.count(domain.EventAnswerSDP) != 1 {
		t.Fatalf("alice did not receive answer-sdp")
	}

	if err := env.svc.MarkConnected(ctx, "alice", rec.CallID); err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	if err := env.svc.MarkConnected(ctx, "bob", rec.CallID); err != nil {
		t.Fatalf("MarkConnected twice must be idempotent: %v", err)
	}
	snap, _ := env.svc.Session(rec.CallID)
	if snap.State != domain.CallStateConnected {
		t.Fatalf("state = %s, want connected", snap.State)
	}
	if snap.Signals.Sent < 4 {
		t.Fatalf("expected signal counters to track routed events, got %+v", snap.Signals)
	}

	if err := env.svc.Hangup(ctx, "bob", rec.CallID); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	var hangup domain.HangupPayload
	if !alice.last(domain.EventHangup, &hangup) || hangup.Reason != domain.EndReasonHangup {
		t.Fatalf("alice expected hangup, got %+v", hangup)
	}
	snap, _ = env.svc.Session(rec.CallID)
	if snap.State != domain.CallStateEnded || snap.EndedBy != "bob" {
		t.Fatalf("unexpected final session %+v", snap)
	}
	if env.store.Active() != 0 {
		t.Fatalf("ended call must free the pair slot")
	}
}

func TestCallService_IncomingReachesEveryDevice(t *testing.T) {
	env := newTestEnv(t, testCallConfig())
	env.connect("alice")
	phone := env.connect("bob")
	laptop := env.connect("bob")

	if _, err := env.svc.Initiate(context.Background(), "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio}); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if phone.count(domain.EventIncoming) != 1 || laptop.count(domain.EventIncoming) != 1 {
		t.Fatalf("phone incoming=%d laptop incoming=%d, want 1 each", phone.count(domain.EventIncoming), laptop.count(domain.EventIncoming))
	}
}

func TestCallService_InitiateRecipientOffline(t *testing.T) {
	cfg := testCallConfig()
	cfg.DeliveryRetryDelay = time.Second
	env := newTestEnv(t, cfg)
	alice := env.connect("alice")

	start := time.Now()
	rec, err := env.svc.Initiate(context.Background(), "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("offline recipient must fail without retry sleeps, took %v", elapsed)
	}
	if rec.State != domain.CallStateFailed || rec.EndReason != domain.EndReasonRecipientUnavailable {
		t.Fatalf("unexpected record %+v", rec)
	}
	if n := alice.count(domain.EventCallError); n != 1 {
		t.Fatalf("alice received %d call-error events, want 1", n)
	}
	var ce domain.CallErrorPayload
	alice.last(domain.EventCallError, &ce)
	if ce.CallID != rec.CallID || ce.Reason != "recipient-unavailable" {
		t.Fatalf("unexpected call-error %+v", ce)
	}

	// Bob connecting later must never see the failed call ring.
	bob := env.connect("bob")
	time.Sleep(20 * time.Millisecond)
	if bob.count(domain.EventIncoming) != 0 {
		t.Fatalf("incoming must never be delivered for a failed call")
	}
}

func TestCallService_IncomingUndeliverable(t *testing.T) {
	env := newTestEnv(t, testCallConfig())
	alice := env.connect("alice")
	bob := env.connect("bob")
	bob.setFail(true)

	rec, err := env.svc.Initiate(context.Background(), "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if rec.State != domain.CallStateFailed || rec.EndReason != domain.EndReasonDeliveryFailed {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.RetryCount != 2 || rec.Signals.Failed != 1 {
		t.Fatalf("expected 2 retries and one failed signal, got %+v", rec)
	}
	if alice.count(domain.EventCallError) != 1 {
		t.Fatalf("alice must be informed exactly once")
	}
}

func TestCallService_OneActiveSessionPerPair(t *testing.T) {
	env := newTestEnv(t, testCallConfig())
	ctx := context.Background()
	env.connect("alice")
	env.connect("bob")

	rec, err := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio}); !errors.Is(err, domain.ErrCallAlreadyActive) {
		t.Fatalf("expected ErrCallAlreadyActive, got %v", err)
	}
	if _, err := env.svc.Initiate(ctx, "bob", domain.InitiateRequest{RecipientID: "alice", CallType: domain.CallTypeAudio}); !errors.Is(err, domain.ErrCallAlreadyActive) {
		t.Fatalf("reverse direction must also be rejected, got %v", err)
	}

	if err := env.svc.Hangup(ctx, "alice", rec.CallID); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if _, err := env.svc.Initiate(ctx, "bob", domain.InitiateRequest{RecipientID: "alice", CallType: domain.CallTypeAudio}); err != nil {
		t.Fatalf("new call after hangup: %v", err)
	}
}

func TestCallService_InitiateValidation(t *testing.T) {
	env := newTestEnv(t, testCallConfig())
	ctx := context.Background()
	env.connect("bob")

	cases := []struct {
		name   string
		caller domain.UserID
		req    domain.InitiateRequest
		want   error
	}{
		{"self call", "alice", domain.InitiateRequest{RecipientID: "alice", CallType: domain.CallTypeAudio}, domain.ErrInvalidArgument},
		{"bad call type", "alice", domain.InitiateRequest{RecipientID: "bob", CallType: "hologram"}, domain.ErrInvalidArgument},
		{"not entitled", "carol", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeVideo}, domain.ErrCallTypeNotAllowed},
		{"unknown recipient", "alice", domain.InitiateRequest{RecipientID: "mallory", CallType: domain.CallTypeAudio}, domain.ErrUnknownRecipient},
	}
	for _, c := range cases {
		if _, err := env.svc.Initiate(ctx, c.caller, c.req); !errors.Is(err, c.want) {
			t.Fatalf("%s: got %v, want %v", c.name, err, c.want)
		}
	}
	if env.store.Len() != 0 {
		t.Fatalf("rejected initiations must not create sessions")
	}
}

func TestCallService_InitiateRateLimited(t *testing.T) {
	cfg := testCallConfig()
	cfg.InitiatePerMinute = 3
	cfg.InitiateBurst = 3
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	// Recipients are offline so every call fails fast and frees its pair.
	for i := 0; i < 3; i++ {
		if _, err := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio}); err != nil {
			t.Fatalf("initiate %d: %v", i, err)
		}
	}
	if _, err := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio}); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if _, err := env.svc.Initiate(ctx, "bob", domain.InitiateRequest{RecipientID: "alice", CallType: domain.CallTypeAudio}); err != nil {
		t.Fatalf("limit must be per user: %v", err)
	}
	if st := env.svc.Stats(ctx); st.RateLimited != 1 {
		t.Fatalf("stats rate limited = %d, want 1", st.RateLimited)
	}
}

func TestCallService_UnansweredCallIsMissed(t *testing.T) {
	cfg := testCallConfig()
	cfg.RingTimeout = 30 * time.Millisecond
	cfg.SessionRetention = 150 * time.Millisecond
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	alice := env.connect("alice")
	bob := env.connect("bob")

	rec, err := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	waitFor(t, "missed state", func() bool {
		snap, ok := env.svc.Session(rec.CallID)
		return ok && snap.State == domain.CallStateMissed
	})

	if _, err := env.svc.Answer(ctx, "bob", domain.AnswerRequest{CallerID: "alice", CallID: rec.CallID, Accept: true}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("late answer must be rejected, got %v", err)
	}

	waitFor(t, "missed notification", func() bool { return alice.count(domain.EventMissed) == 1 })
	var hangup domain.HangupPayload
	waitFor(t, "recipient ringing stop", func() bool { return bob.last(domain.EventHangup, &hangup) })
	if hangup.Reason != domain.EndReasonMissed {
		t.Fatalf("recipient hangup reason = %s, want missed", hangup.Reason)
	}

	waitFor(t, "eviction", func() bool { return env.store.Len() == 0 })
	if n := alice.count(domain.EventMissed); n != 1 {
		t.Fatalf("caller received %d missed notifications, want exactly 1", n)
	}
}

func TestCallService_AnswerClearsUnansweredTimer(t *testing.T) {
	cfg := testCallConfig()
	cfg.RingTimeout = 40 * time.Millisecond
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	alice := env.connect("alice")
	env.connect("bob")

	rec, _ := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})
	if _, err := env.svc.Answer(ctx, "bob", domain.AnswerRequest{CallerID: "alice", CallID: rec.CallID, Accept: true}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	snap, _ := env.svc.Session(rec.CallID)
	if snap.State != domain.CallStateAccepted {
		t.Fatalf("stale ring timer fired: state = %s", snap.State)
	}
	if alice.count(domain.EventMissed) != 0 {
		t.Fatalf("caller must not be told an answered call was missed")
	}
}

func TestCallService_RejectFinalizes(t *testing.T) {
	env := newTestEnv(t, testCallConfig())
	ctx := context.Background()
	alice := env.connect("alice")
	env.connect("bob")

	rec, _ := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})
	rec, err := env.svc.Answer(ctx, "bob", domain.AnswerRequest{CallerID: "alice", CallID: rec.CallID, Accept: false})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if rec.State != domain.CallStateRejected || rec.EndReason != domain.EndReasonRejected {
		t.Fatalf("unexpected record %+v", rec)
	}
	var answered domain.AnsweredPayload
	if !alice.last(domain.EventAnswered, &answered) || answered.Accept {
		t.Fatalf("caller must receive answered{accept:false}")
	}
	if env.store.Active() != 0 {
		t.Fatalf("rejected call must free the pair")
	}
	if _, err := env.svc.Answer(ctx, "bob", domain.AnswerRequest{CallerID: "alice", CallID: rec.CallID, Accept: true}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second answer must be rejected, got %v", err)
	}
}

func TestCallService_ExactlyOneOutcomeFromRinging(t *testing.T) {
	cfg := testCallConfig()
	cfg.RingTimeout = 2 * time.Millisecond
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	alice := env.connect("alice")
	env.connect("bob")

	for i := 0; i < 25; i++ {
		rec, err := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})
		if err != nil {
			t.Fatalf("iteration %d: Initiate: %v", i, err)
		}
		missedBefore := alice.count(domain.EventMissed)
		answeredBefore := alice.count(domain.EventAnswered)

		time.Sleep(time.Duration(i%4) * time.Millisecond)
		_, answerErr := env.svc.Answer(ctx, "bob", domain.AnswerRequest{CallerID: "alice", CallID: rec.CallID, Accept: true})

		waitFor(t, "outcome", func() bool {
			snap, _ := env.svc.Session(rec.CallID)
			return snap.State != domain.CallStateRinging
		})
		time.Sleep(10 * time.Millisecond)
		snap, _ := env.svc.Session(rec.CallID)

		missed := alice.count(domain.EventMissed) - missedBefore
		answered := alice.count(domain.EventAnswered) - answeredBefore
		switch {
		case answerErr == nil:
			if snap.State != domain.CallStateAccepted || missed != 0 || answered != 1 {
				t.Fatalf("iteration %d: answered call ended as %s (missed=%d answered=%d)", i, snap.State, missed, answered)
			}
		case errors.Is(answerErr, domain.ErrInvalidTransition):
			if snap.State != domain.CallStateMissed || missed != 1 || answered != 0 {
				t.Fatalf("iteration %d: missed call ended as %s (missed=%d answered=%d)", i, snap.State, missed, answered)
			}
		default:
			t.Fatalf("iteration %d: unexpected answer error %v", i, answerErr)
		}
		_ = env.svc.Hangup(ctx, "alice", rec.CallID)
	}
}

func TestCallService_DeliveryRetryPicksUpReconnect(t *testing.T) {
	cfg := testCallConfig()
	cfg.DeliveryAttempts = 5
	cfg.DeliveryRetryDelay = 30 * time.Millisecond
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	env.connect("alice")
	bobOld := env.connect("bob")

	rec, _ := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})
	if _, err := env.svc.Answer(ctx, "bob", domain.AnswerRequest{CallerID: "alice", CallID: rec.CallID, Accept: true}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	bobOld.setFail(true)
	bobNew := newRecConn("bob")
	go func() {
		time.Sleep(40 * time.Millisecond)
		env.hub.Remove(bobOld)
		env.hub.Add(bobNew)
	}()

	err := env.svc.RelaySignal(ctx, "alice", domain.SignalEnvelope{
		Type:    domain.SignalCandidate,
		CallID:  rec.CallID,
		Payload: json.RawMessage(`{"candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}}`),
	})
	if err != nil {
		t.Fatalf("RelaySignal: %v", err)
	}
	if bobNew.count(domain.EventICECandidate) != 1 {
		t.Fatalf("candidate was not delivered to the reconnected connection")
	}
	snap, _ := env.svc.Session(rec.CallID)
	if snap.RetryCount == 0 {
		t.Fatalf("expected retries to be recorded")
	}
}

func TestCallService_DeliveryFailureReportedToOrigin(t *testing.T) {
	env := newTestEnv(t, testCallConfig())
	ctx := context.Background()
	alice := env.connect("alice")
	bob := env.connect("bob")

	rec, _ := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})
	if _, err := env.svc.Answer(ctx, "bob", domain.AnswerRequest{CallerID: "alice", CallID: rec.CallID, Accept: true}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	bob.setFail(true)

	err := env.svc.RelaySignal(ctx, "alice", domain.SignalEnvelope{
		Type:    domain.SignalOffer,
		CallID:  rec.CallID,
		Payload: json.RawMessage(`{"sdp":{"type":"offer","sdp":"v=0"}}`),
	})
	if err != nil {
		t.Fatalf("RelaySignal: %v", err)
	}
	var df domain.DeliveryFailedPayload
	if !alice.last(domain.EventDeliveryFailed, &df) {
		t.Fatalf("origin was not told about the failed delivery")
	}
	if df.Event != domain.EventOffer || df.ToUserID != "bob" {
		t.Fatalf("unexpected delivery-failed payload %+v", df)
	}
	snap, _ := env.svc.Session(rec.CallID)
	if snap.Signals.Failed != 1 || snap.State != domain.CallStateAccepted {
		t.Fatalf("signal failures must be counted without changing state: %+v", snap)
	}

	st := env.svc.Stats(ctx)
	if st.DeliveryFailures != 1 || st.DeliveryFailureRate <= 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestCallService_MaxDuration(t *testing.T) {
	cfg := testCallConfig()
	cfg.MaxCallDuration = 40 * time.Millisecond
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	alice := env.connect("alice")
	bob := env.connect("bob")

	rec, _ := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeVideo})
	if _, err := env.svc.Answer(ctx, "bob", domain.AnswerRequest{CallerID: "alice", CallID: rec.CallID, Accept: true}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	_ = env.svc.MarkConnected(ctx, "alice", rec.CallID)

	waitFor(t, "max duration", func() bool {
		snap, _ := env.svc.Session(rec.CallID)
		return snap.State == domain.CallStateEnded
	})
	snap, _ := env.svc.Session(rec.CallID)
	if snap.EndReason != domain.EndReasonMaxDurationExceeded {
		t.Fatalf("end reason = %s", snap.EndReason)
	}
	for name, c := range map[string]*recConn{"alice": alice, "bob": bob} {
		var hp domain.HangupPayload
		waitFor(t, name+" hangup", func() bool { return c.last(domain.EventHangup, &hp) })
		if hp.Reason != domain.EndReasonMaxDurationExceeded {
			t.Fatalf("%s hangup reason = %s", name, hp.Reason)
		}
	}
	if st := env.svc.Stats(ctx); st.AverageCallSeconds <= 0 {
		t.Fatalf("expected a positive average call duration, got %+v", st)
	}
}

func TestCallService_SignalRouting(t *testing.T) {
	env := newTestEnv(t, testCallConfig())
	ctx := context.Background()
	env.connect("alice")
	bob := env.connect("bob")
	env.connect("carol")

	rec, _ := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})

	env1 := domain.SignalEnvelope{Type: domain.SignalOffer, CallID: rec.CallID, Payload: json.RawMessage(`{}`)}
	if err := env.svc.RelaySignal(ctx, "carol", env1); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("outsider signal: got %v", err)
	}
	env1.ToUserID = "carol"
	if err := env.svc.RelaySignal(ctx, "alice", env1); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("signal addressed outside the call: got %v", err)
	}
	if err := env.svc.RelaySignal(ctx, "alice", domain.SignalEnvelope{Type: "bogus", CallID: rec.CallID}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("bad signal type: got %v", err)
	}

	if err := env.svc.MediaControl(ctx, "alice", domain.MediaControlRequest{CallID: rec.CallID, Kind: domain.MediaAudio, Muted: true}); err != nil {
		t.Fatalf("MediaControl: %v", err)
	}
	var mc domain.MediaControlPayload
	if !bob.last(domain.EventMediaControl, &mc) || !mc.Muted || mc.FromUserID != "alice" {
		t.Fatalf("unexpected media-control %+v", mc)
	}
	snap, _ := env.svc.Session(rec.CallID)
	if snap.State != domain.CallStateRinging {
		t.Fatalf("routing must not change state, got %s", snap.State)
	}

	_ = env.svc.Hangup(ctx, "alice", rec.CallID)
	if err := env.svc.RelaySignal(ctx, "alice", domain.SignalEnvelope{Type: domain.SignalCandidate, CallID: rec.CallID, Payload: json.RawMessage(`{}`)}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("signals on an ended call must be rejected, got %v", err)
	}
}

func TestCallService_HangupIdempotentAndPeerOffline(t *testing.T) {
	env := newTestEnv(t, testCallConfig())
	ctx := context.Background()
	env.connect("alice")
	bob := env.connect("bob")

	rec, _ := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})
	env.hub.Remove(bob)

	if err := env.svc.Hangup(ctx, "alice", rec.CallID); err != nil {
		t.Fatalf("hangup with offline peer must not fail: %v", err)
	}
	snap, _ := env.svc.Session(rec.CallID)
	if snap.EndReason != domain.EndReasonCanceled {
		t.Fatalf("hangup before answer should cancel, got %s", snap.EndReason)
	}
	if err := env.svc.Hangup(ctx, "bob", rec.CallID); err != nil {
		t.Fatalf("second hangup must be a no-op: %v", err)
	}
	if snap2, _ := env.svc.Session(rec.CallID); snap2.EndedBy != "alice" {
		t.Fatalf("second hangup overwrote ended-by: %+v", snap2)
	}
	if err := env.svc.Hangup(ctx, "alice", "missing"); !errors.Is(err, domain.ErrCallNotFound) {
		t.Fatalf("unknown call: got %v", err)
	}
}

func TestCallService_CloseEndsActiveCalls(t *testing.T) {
	env := newTestEnv(t, testCallConfig())
	ctx := context.Background()
	alice := env.connect("alice")
	bob := env.connect("bob")
	env.connect("carol")

	rec, err := env.svc.Initiate(ctx, "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	ended, err := env.svc.Initiate(ctx, "carol", domain.InitiateRequest{RecipientID: "alice", CallType: domain.CallTypeAudio})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := env.svc.Hangup(ctx, "carol", ended.CallID); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	aliceHangups := alice.count(domain.EventHangup)

	env.svc.Close(ctx)
	env.svc.Close(ctx)

	snap, _ := env.svc.Session(rec.CallID)
	if snap.State != domain.CallStateEnded || snap.EndReason != domain.EndReasonShutdown {
		t.Fatalf("unexpected session after close %+v", snap)
	}
	var hangup domain.HangupPayload
	if !bob.last(domain.EventHangup, &hangup) || hangup.Reason != domain.EndReasonShutdown || hangup.CallID != rec.CallID {
		t.Fatalf("bob expected shutdown hangup, got %+v", hangup)
	}
	if got := alice.count(domain.EventHangup); got != aliceHangups+1 {
		t.Fatalf("alice got %d new hangups, want exactly 1", got-aliceHangups)
	}
	if env.store.Active() != 0 {
		t.Fatalf("close must free every pair slot")
	}
	recent, err := env.history.Recent(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].EndReason != domain.EndReasonShutdown {
		t.Fatalf("shutdown not archived: %+v", recent)
	}
}

func TestCallService_InitiateAfterCloseRejected(t *testing.T) {
	env := newTestEnv(t, testCallConfig())
	env.connect("alice")
	bob := env.connect("bob")

	env.svc.Close(context.Background())
	_, err := env.svc.Initiate(context.Background(), "alice", domain.InitiateRequest{RecipientID: "bob", CallType: domain.CallTypeAudio})
	if !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("Initiate after close: %v", err)
	}
	if env.store.Active() != 0 || bob.count(domain.EventIncoming) != 0 {
		t.Fatal("a call was started on a closed broker")
	}
	if got := domain.ErrorReason(err); got != "shutting-down" {
		t.Fatalf("reason = %q", got)
	}
}
