package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"call-service/internal/calls"
	"call-service/internal/signaling"
)

func timeZero() time.Time { return time.Time{} }

type fakeTransport struct {
	mu            sync.Mutex
	ensureErr     error
	offerErr      error
	ensureVideo   []bool
	offerCount    int
	answerCount   int
	remoteOffers  []string
	remoteAnswers []string
	candidates    []calls.ICEPayload
	audioOps      []bool
	videoOps      []bool
	closeCount    int
	onICE         func(calls.ICEPayload)
	onState       func(ConnState)
}

func (f *fakeTransport) EnsureMedia(ctx context.Context, withVideo bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureErr; err != nil {
		f.ensureErr = nil
		return err
	}
	f.ensureVideo = append(f.ensureVideo, withVideo)
	return nil
}

func (f *fakeTransport) CreateOffer(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.offerErr; err != nil {
		f.offerErr = nil
		return "", err
	}
	f.offerCount++
	return fmt.Sprintf("offer-%d", f.offerCount), nil
}

func (f *fakeTransport) CreateAnswer(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerCount++
	return fmt.Sprintf("answer-%d", f.answerCount), nil
}

func (f *fakeTransport) ApplyRemoteOffer(ctx context.Context, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteOffers = append(f.remoteOffers, sdp)
	return nil
}

func (f *fakeTransport) ApplyRemoteAnswer(ctx context.Context, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteAnswers = append(f.remoteAnswers, sdp)
	return nil
}

func (f *fakeTransport) AddICECandidate(ctx context.Context, cand calls.ICEPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeTransport) SetAudioEnabled(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioOps = append(f.audioOps, enabled)
	return nil
}

func (f *fakeTransport) SetVideoEnabled(ctx context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoOps = append(f.videoOps, enabled)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(calls.ICEPayload)) { f.onICE = fn }
func (f *fakeTransport) OnConnectionState(fn func(ConnState))    { f.onState = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
}

func factoryFor(t *fakeTransport) TransportFactory {
	return func(context.Context) (Transport, error) { return t, nil }
}

type sessionHarness struct {
	call    calls.Call
	store   *calls.MemoryStore
	channel *signaling.MemoryChannel
}

func newHarness(t *testing.T) *sessionHarness {
	t.Helper()
	store := calls.NewMemoryStore()
	call, err := store.Insert(context.Background(), calls.Call{
		CallerID: "alice", CalleeID: "bob", Status: calls.StatusRinging,
	})
	if err != nil {
		t.Fatalf("insert call: %v", err)
	}
	return &sessionHarness{call: call, store: store, channel: signaling.NewMemoryChannel(store)}
}

func (h *sessionHarness) session(t *testing.T, selfID string, tr *fakeTransport, video bool) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		Call:      h.call,
		SelfID:    selfID,
		WithVideo: video,
		Channel:   h.channel,
		Transport: factoryFor(tr),
	})
	if err != nil {
		t.Fatalf("new session for %s: %v", selfID, err)
	}
	return s
}

func TestSession_RejectsNonParticipant(t *testing.T) {
	h := newHarness(t)
	_, err := NewSession(SessionConfig{
		Call: h.call, SelfID: "mallory",
		Channel: h.channel, Transport: factoryFor(&fakeTransport{}),
	})
	if err == nil {
		t.Fatal("expected error for non-participant")
	}
}

func TestSession_CallerStartSendsOffer(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	s := h.session(t, "alice", tr, false)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Hangup(context.Background(), "test")

	if tr.offerCount != 1 {
		t.Fatalf("expected 1 offer, got %d", tr.offerCount)
	}
	if len(tr.ensureVideo) != 1 || tr.ensureVideo[0] {
		t.Fatalf("expected audio-only media acquisition, got %v", tr.ensureVideo)
	}

	sigs, err := h.store.SignalsSince(context.Background(), h.call.ID, timeZero())
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	if len(sigs) != 1 || sigs[0].Type != calls.SignalOffer || sigs[0].SenderID != "alice" {
		t.Fatalf("expected one offer signal from alice, got %+v", sigs)
	}
}

func TestSession_CalleeQueuesUntilAcceptedOfferFirst(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	s := h.session(t, "bob", tr, false)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Hangup(ctx, "test")

	// Candidates racing ahead of the offer must still be applied after it.
	ice, _ := calls.EncodePayload(calls.ICEPayload{Candidate: "candidate:1"})
	offer, _ := calls.EncodePayload(calls.SDPPayload{SDP: "remote-offer"})
	for _, sig := range []calls.Signal{
		{CallID: h.call.ID, SenderID: "alice", Type: calls.SignalICE, Payload: ice},
		{CallID: h.call.ID, SenderID: "alice", Type: calls.SignalOffer, Payload: offer},
	} {
		if err := s.HandleRemoteSignal(ctx, sig); err != nil {
			t.Fatalf("handle %s: %v", sig.Type, err)
		}
	}

	if len(tr.remoteOffers) != 0 || len(tr.candidates) != 0 {
		t.Fatal("nothing should be applied before accept")
	}

	if err := s.MarkAccepted(ctx); err != nil {
		t.Fatalf("mark accepted: %v", err)
	}

	if len(tr.remoteOffers) != 1 || tr.remoteOffers[0] != "remote-offer" {
		t.Fatalf("expected remote offer applied, got %v", tr.remoteOffers)
	}
	if len(tr.candidates) != 1 {
		t.Fatalf("expected queued candidate applied, got %d", len(tr.candidates))
	}
	if tr.answerCount != 1 {
		t.Fatalf("expected answer created, got %d", tr.answerCount)
	}
}

func TestSession_MarkAcceptedBeforeStart(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "bob", &fakeTransport{}, false)

	if err := s.MarkAccepted(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}

	// Start still works, and a second MarkAccepted proceeds normally.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start after early accept: %v", err)
	}
	defer s.Hangup(context.Background(), "test")
	if err := s.MarkAccepted(context.Background()); err != nil {
		t.Fatalf("mark accepted: %v", err)
	}
}

func TestSession_StartRetriesAfterMediaFailure(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{ensureErr: errors.New("camera busy")}
	s := h.session(t, "alice", tr, false)
	ctx := context.Background()

	if err := s.Start(ctx); err == nil {
		t.Fatal("expected media acquisition failure")
	}
	if tr.closeCount != 1 {
		t.Fatalf("a failed start must release the transport, got %d closes", tr.closeCount)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	defer s.Hangup(ctx, "test")
	if tr.offerCount != 1 {
		t.Fatalf("expected the retry to send an offer, got %d", tr.offerCount)
	}
}

func TestSession_FullHandshakeOverChannel(t *testing.T) {
	h := newHarness(t)
	callerTr := &fakeTransport{}
	calleeTr := &fakeTransport{}
	caller := h.session(t, "alice", callerTr, false)
	callee := h.session(t, "bob", calleeTr, false)
	ctx := context.Background()

	if err := callee.Start(ctx); err != nil {
		t.Fatalf("callee start: %v", err)
	}
	if err := caller.Start(ctx); err != nil {
		t.Fatalf("caller start: %v", err)
	}
	defer caller.Hangup(ctx, "test")
	defer callee.Hangup(ctx, "test")

	if err := callee.MarkAccepted(ctx); err != nil {
		t.Fatalf("mark accepted: %v", err)
	}

	if len(calleeTr.remoteOffers) != 1 || calleeTr.remoteOffers[0] != "offer-1" {
		t.Fatalf("callee should apply the caller's offer, got %v", calleeTr.remoteOffers)
	}
	if len(callerTr.remoteAnswers) != 1 || callerTr.remoteAnswers[0] != "answer-1" {
		t.Fatalf("caller should apply the callee's answer, got %v", callerTr.remoteAnswers)
	}
}

func TestSession_IgnoresOwnEchoes(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	s := h.session(t, "alice", tr, false)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Hangup(ctx, "test")

	// The channel redelivers our own offer; the session must not answer it.
	if tr.answerCount != 0 || len(tr.remoteOffers) != 0 {
		t.Fatalf("own offer echo was processed: answers=%d offers=%v", tr.answerCount, tr.remoteOffers)
	}
}

func TestSession_RenegotiationCoalesces(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	s := h.session(t, "alice", tr, false)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Hangup(ctx, "test")

	// The initial offer is outstanding: both triggers must coalesce.
	if err := s.SetVideoEnabled(ctx, true); err != nil {
		t.Fatalf("enable video: %v", err)
	}
	if err := s.Renegotiate(ctx); err != nil {
		t.Fatalf("renegotiate: %v", err)
	}
	if tr.offerCount != 1 {
		t.Fatalf("expected offers to coalesce while negotiating, got %d", tr.offerCount)
	}

	answer, _ := calls.EncodePayload(calls.SDPPayload{SDP: "remote-answer"})
	if err := s.HandleRemoteSignal(ctx, calls.Signal{
		CallID: h.call.ID, SenderID: "bob", Type: calls.SignalAnswer, Payload: answer,
	}); err != nil {
		t.Fatalf("handle answer: %v", err)
	}

	// The answer releases exactly one queued renegotiation.
	if tr.offerCount != 2 {
		t.Fatalf("expected one follow-up offer after answer, got %d", tr.offerCount)
	}

	sigs, _ := h.store.SignalsSince(ctx, h.call.ID, timeZero())
	last := sigs[len(sigs)-1]
	if last.Type != calls.SignalRenegotiate {
		t.Fatalf("expected renegotiate signal, got %s", last.Type)
	}
}

func TestSession_VideoDisableDetachesAndRenegotiates(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	s := h.session(t, "alice", tr, true)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Hangup(ctx, "test")

	// Settle the initial negotiation.
	answer, _ := calls.EncodePayload(calls.SDPPayload{SDP: "remote-answer"})
	if err := s.HandleRemoteSignal(ctx, calls.Signal{
		CallID: h.call.ID, SenderID: "bob", Type: calls.SignalAnswer, Payload: answer,
	}); err != nil {
		t.Fatalf("handle answer: %v", err)
	}

	if err := s.SetVideoEnabled(ctx, false); err != nil {
		t.Fatalf("disable video: %v", err)
	}
	if len(tr.videoOps) != 1 || tr.videoOps[0] {
		t.Fatalf("expected video detach, got %v", tr.videoOps)
	}
	if tr.offerCount != 2 {
		t.Fatalf("expected renegotiation after video disable, got %d offers", tr.offerCount)
	}
}

func TestSession_MicToggleDoesNotRenegotiate(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	s := h.session(t, "alice", tr, false)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Hangup(ctx, "test")

	if err := s.SetMicEnabled(false); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if err := s.SetMicEnabled(true); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if len(tr.audioOps) != 2 || tr.audioOps[0] || !tr.audioOps[1] {
		t.Fatalf("unexpected audio ops %v", tr.audioOps)
	}
	if tr.offerCount != 1 {
		t.Fatalf("mic toggle must not renegotiate, got %d offers", tr.offerCount)
	}
}

func TestSession_HangupIdempotentAndReleasesTransport(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	s := h.session(t, "alice", tr, false)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Hangup(ctx, "ended"); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if err := s.Hangup(ctx, "ended"); err != nil {
		t.Fatalf("second hangup: %v", err)
	}
	if tr.closeCount != 1 {
		t.Fatalf("expected one transport close, got %d", tr.closeCount)
	}

	sigs, _ := h.store.SignalsSince(ctx, h.call.ID, timeZero())
	var hangups int
	for _, sig := range sigs {
		if sig.Type == calls.SignalHangup {
			hangups++
		}
	}
	if hangups != 1 {
		t.Fatalf("expected exactly one hangup signal, got %d", hangups)
	}
}

func TestSession_RemoteHangupClosesWithoutEcho(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	s := h.session(t, "bob", tr, false)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	hang, _ := calls.EncodePayload(calls.HangupPayload{Reason: "cancelled"})
	if err := s.HandleRemoteSignal(ctx, calls.Signal{
		CallID: h.call.ID, SenderID: "alice", Type: calls.SignalHangup, Payload: hang,
	}); err != nil {
		t.Fatalf("handle hangup: %v", err)
	}

	if tr.closeCount != 1 {
		t.Fatalf("expected transport closed on remote hangup, got %d", tr.closeCount)
	}

	sigs, _ := h.store.SignalsSince(ctx, h.call.ID, timeZero())
	for _, sig := range sigs {
		if sig.Type == calls.SignalHangup && sig.SenderID == "bob" {
			t.Fatal("remote hangup must not be echoed back")
		}
	}
}

func TestSession_StateChangesReachCallback(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}

	var states []ConnState
	s, err := NewSession(SessionConfig{
		Call: h.call, SelfID: "alice",
		Channel: h.channel, Transport: factoryFor(tr),
		OnState: func(st ConnState) { states = append(states, st) },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Hangup(ctx, "test")

	tr.onState(StateConnected)
	tr.onState(StateDisconnected)

	if len(states) != 2 || states[0] != StateConnected || states[1] != StateDisconnected {
		t.Fatalf("unexpected states %v", states)
	}
	if !StateDisconnected.Down() || StateConnected.Down() {
		t.Fatal("Down() misclassifies states")
	}
}
