package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"call-service/internal/calls"
	"call-service/internal/signaling"
)

var (
	ErrSessionClosed = errors.New("media: session closed")
	ErrNotStarted    = errors.New("media: session not started")
)

// SessionConfig wires one session to its call.
type SessionConfig struct {
	Call      calls.Call
	SelfID    string
	WithVideo bool

	Channel   signaling.Channel
	Transport TransportFactory
	Log       *slog.Logger

	// OnState receives transport connection states, typically fanned to
	// the watchdog. Optional.
	OnState func(ConnState)
	// OnError receives failures from asynchronous paths (signal handling,
	// candidate delivery). Optional.
	OnError func(error)
}

// Session drives media negotiation for one participant of one call.
//
// The caller starts negotiating immediately; the callee queues everything
// that arrives before the user accepts, then drains the queue offer-first.
// Only one local offer is ever outstanding: triggers that arrive while
// negotiating coalesce into a single follow-up renegotiation.
type Session struct {
	cfg    SessionConfig
	log    *slog.Logger
	caller bool

	mu          sync.Mutex
	transport   Transport
	unsubscribe signaling.Unsubscribe
	accepted    bool
	closed      bool
	negotiating bool
	renegQueued bool
	micEnabled  bool
	vidEnabled  bool
	pending     []calls.Signal
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.SelfID != cfg.Call.CallerID && cfg.SelfID != cfg.Call.CalleeID {
		return nil, fmt.Errorf("media: user %s is not a participant of call %s", cfg.SelfID, cfg.Call.ID)
	}
	if cfg.Channel == nil || cfg.Transport == nil {
		return nil, errors.New("media: channel and transport factory are required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Session{
		cfg:        cfg,
		log:        cfg.Log.With("call_id", cfg.Call.ID, "user_id", cfg.SelfID),
		caller:     cfg.SelfID == cfg.Call.CallerID,
		micEnabled: true,
		vidEnabled: cfg.WithVideo,
	}, nil
}

// Start builds the transport, subscribes to the signaling channel and, on
// the caller side, sends the initial offer. The callee side arms but stays
// passive until MarkAccepted. A failed Start releases everything it built,
// so it may be retried.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.transport != nil {
		s.mu.Unlock()
		return errors.New("media: session already started")
	}

	t, err := s.cfg.Transport(ctx)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("build transport: %w", err)
	}
	s.transport = t

	t.OnICECandidate(func(cand calls.ICEPayload) {
		if err := s.sendSignal(context.Background(), calls.SignalICE, cand); err != nil {
			s.fail(fmt.Errorf("send ice candidate: %w", err))
		}
	})
	t.OnConnectionState(func(st ConnState) {
		s.log.Debug("connection state", "state", st)
		if s.cfg.OnState != nil {
			s.cfg.OnState(st)
		}
	})

	unsub, err := s.cfg.Channel.Subscribe(ctx, s.cfg.Call.ID, func(sig calls.Signal) {
		if err := s.HandleRemoteSignal(context.Background(), sig); err != nil {
			s.fail(err)
		}
	})
	if err != nil {
		s.abortStartLocked(t)
		s.mu.Unlock()
		return fmt.Errorf("subscribe signaling: %w", err)
	}
	s.unsubscribe = unsub

	if !s.caller {
		s.mu.Unlock()
		return nil
	}
	if err := t.EnsureMedia(ctx, s.vidEnabled); err != nil {
		s.abortStartLocked(t)
		s.mu.Unlock()
		return fmt.Errorf("acquire media: %w", err)
	}
	offer, err := t.CreateOffer(ctx)
	if err != nil {
		s.abortStartLocked(t)
		s.mu.Unlock()
		return fmt.Errorf("create offer: %w", err)
	}
	s.negotiating = true
	s.mu.Unlock()

	// Send outside the lock: channel delivery may run subscribers inline.
	return s.sendSignal(ctx, calls.SignalOffer, calls.SDPPayload{SDP: offer})
}

// abortStartLocked unwinds a partially started session so Start can be
// retried. Caller holds mu.
func (s *Session) abortStartLocked(t Transport) {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	_ = t.Close()
	s.transport = nil
}

// MarkAccepted is the callee's transition into active negotiation: local
// media comes up and everything queued while ringing is replayed, offers
// first so the answer exists before candidates are applied.
func (s *Session) MarkAccepted(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.caller || s.accepted {
		s.mu.Unlock()
		return nil
	}
	// Accept can race a Start that never ran or failed; without a
	// transport there is nothing to bring up.
	if s.transport == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.accepted = true
	queued := s.pending
	s.pending = nil

	if err := s.transport.EnsureMedia(ctx, s.vidEnabled); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("acquire media: %w", err)
	}

	var offerLike, rest []calls.Signal
	for _, sig := range queued {
		if sig.Type.OfferLike() {
			offerLike = append(offerLike, sig)
		} else {
			rest = append(rest, sig)
		}
	}
	s.mu.Unlock()

	for _, sig := range append(offerLike, rest...) {
		if err := s.dispatch(ctx, sig); err != nil {
			return err
		}
	}
	return nil
}

// HandleRemoteSignal feeds one signal from the channel into the session.
// Own echoes are dropped here so the channel can stay sender-agnostic.
func (s *Session) HandleRemoteSignal(ctx context.Context, sig calls.Signal) error {
	if sig.SenderID == s.cfg.SelfID || sig.CallID != s.cfg.Call.ID {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if !s.caller && !s.accepted && sig.Type != calls.SignalHangup {
		s.pending = append(s.pending, sig)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.dispatch(ctx, sig)
}

func (s *Session) dispatch(ctx context.Context, sig calls.Signal) error {
	payload, err := calls.DecodePayload(sig.Type, sig.Payload)
	if err != nil {
		s.log.Warn("dropping undecodable signal", "type", sig.Type, "error", err)
		return nil
	}

	switch sig.Type {
	case calls.SignalOffer, calls.SignalRenegotiate:
		return s.handleOffer(ctx, payload.(calls.SDPPayload))
	case calls.SignalAnswer:
		return s.handleAnswer(ctx, payload.(calls.SDPPayload))
	case calls.SignalICE:
		s.mu.Lock()
		t := s.transport
		s.mu.Unlock()
		if t == nil {
			return nil
		}
		if err := t.AddICECandidate(ctx, payload.(calls.ICEPayload)); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
		return nil
	case calls.SignalHangup:
		reason := payload.(calls.HangupPayload).Reason
		s.log.Info("remote hangup", "reason", reason)
		return s.hangup(ctx, false)
	default:
		// control and future types are ignored.
		return nil
	}
}

func (s *Session) handleOffer(ctx context.Context, p calls.SDPPayload) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return nil
	}

	if err := t.ApplyRemoteOffer(ctx, p.SDP); err != nil {
		return fmt.Errorf("apply remote offer: %w", err)
	}
	answer, err := t.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	return s.sendSignal(ctx, calls.SignalAnswer, calls.SDPPayload{SDP: answer})
}

func (s *Session) handleAnswer(ctx context.Context, p calls.SDPPayload) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return nil
	}

	if err := t.ApplyRemoteAnswer(ctx, p.SDP); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}

	s.mu.Lock()
	s.negotiating = false
	again := s.renegQueued
	s.renegQueued = false
	s.mu.Unlock()

	if again {
		return s.Renegotiate(ctx)
	}
	return nil
}

// Renegotiate sends a fresh offer. While one offer is outstanding further
// triggers collapse into a single follow-up once the answer lands.
func (s *Session) Renegotiate(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.transport == nil {
		s.mu.Unlock()
		return nil
	}
	if s.negotiating {
		s.renegQueued = true
		s.mu.Unlock()
		return nil
	}
	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create offer: %w", err)
	}
	s.negotiating = true
	s.mu.Unlock()

	return s.sendSignal(ctx, calls.SignalRenegotiate, calls.SDPPayload{SDP: offer})
}

// SetMicEnabled toggles the outgoing audio track. No renegotiation.
func (s *Session) SetMicEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.transport == nil {
		return ErrSessionClosed
	}
	if err := s.transport.SetAudioEnabled(enabled); err != nil {
		return err
	}
	s.micEnabled = enabled
	return nil
}

// SetVideoEnabled attaches or detaches local video and renegotiates either
// way, so the remote side stops receiving frames when video goes off.
func (s *Session) SetVideoEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	if s.closed || s.transport == nil {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.vidEnabled == enabled {
		s.mu.Unlock()
		return nil
	}
	if enabled {
		if err := s.transport.EnsureMedia(ctx, true); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("acquire video: %w", err)
		}
	}
	if err := s.transport.SetVideoEnabled(ctx, enabled); err != nil {
		s.mu.Unlock()
		return err
	}
	s.vidEnabled = enabled
	s.mu.Unlock()

	return s.Renegotiate(ctx)
}

// Hangup tears the session down and notifies the peer. It is the single
// release path for transport and capture, and safe to call repeatedly.
func (s *Session) Hangup(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.sendSignal(ctx, calls.SignalHangup, calls.HangupPayload{Reason: reason}); err != nil {
		s.log.Warn("hangup signal failed", "error", err)
	}
	return s.hangup(ctx, true)
}

func (s *Session) hangup(_ context.Context, local bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	t := s.transport
	unsub := s.unsubscribe
	s.transport = nil
	s.unsubscribe = nil
	s.pending = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	var err error
	if t != nil {
		err = t.Close()
	}
	s.log.Info("session closed", "local", local)
	return err
}

func (s *Session) sendSignal(ctx context.Context, typ calls.SignalType, payload any) error {
	raw, err := calls.EncodePayload(payload)
	if err != nil {
		return err
	}
	_, err = s.cfg.Channel.Send(ctx, calls.Signal{
		CallID:   s.cfg.Call.ID,
		SenderID: s.cfg.SelfID,
		Type:     typ,
		Payload:  raw,
	})
	return err
}

func (s *Session) fail(err error) {
	if err == nil {
		return
	}
	s.log.Error("session error", "error", err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}
