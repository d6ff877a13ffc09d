package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"call-service/internal/calls"
)

// MediaSource supplies local tracks. Capture hardware lives behind this
// interface so servers and tests run without drivers.
type MediaSource interface {
	AudioTrack() (webrtc.TrackLocal, error)
	VideoTrack() (webrtc.TrackLocal, error)
	// StopVideo releases video capture after the track is detached.
	StopVideo()
	Close() error
}

// StaticSource is a MediaSource backed by sample tracks the application
// writes into (Opus audio, VP8 video). No device capture.
type StaticSource struct {
	mu    sync.Mutex
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample
}

func NewStaticSource() *StaticSource { return &StaticSource{} }

func (s *StaticSource) AudioTrack() (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "call-audio",
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		s.audio = t
	}
	return s.audio, nil
}

func (s *StaticSource) VideoTrack() (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video == nil {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "call-video",
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		s.video = t
	}
	return s.video, nil
}

// WriteAudio and WriteVideo push encoded samples into the outgoing tracks.
func (s *StaticSource) WriteAudio(sample pionmedia.Sample) error { return s.write(s.audio, sample) }
func (s *StaticSource) WriteVideo(sample pionmedia.Sample) error { return s.write(s.video, sample) }

func (s *StaticSource) write(t *webrtc.TrackLocalStaticSample, sample pionmedia.Sample) error {
	if t == nil {
		return fmt.Errorf("track not acquired")
	}
	return t.WriteSample(sample)
}

func (s *StaticSource) StopVideo() {}

func (s *StaticSource) Close() error { return nil }

// PionTransport implements Transport on a pion/webrtc peer connection.
type PionTransport struct {
	pc  *webrtc.PeerConnection
	src MediaSource

	mu          sync.Mutex
	audioTrack  webrtc.TrackLocal
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	closed      bool
}

// NewPionTransport builds a peer connection with the default codecs and
// interceptors. ICE timeouts are stretched well past the defaults so a brief
// NAT or relay hiccup does not surface as a disconnect before the watchdog
// grace period even starts.
func NewPionTransport(iceServers []string, src MediaSource) (*PionTransport, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PionTransport{pc: pc, src: src}, nil
}

// Factory adapts construction to the TransportFactory shape.
func Factory(iceServers []string, src func() MediaSource) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		return NewPionTransport(iceServers, src())
	}
}

func (t *PionTransport) EnsureMedia(ctx context.Context, withVideo bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.audioSender == nil {
		track, err := t.src.AudioTrack()
		if err != nil {
			return err
		}
		sender, err := t.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		t.audioTrack = track
		t.audioSender = sender
		go drainRTCP(sender)
	}
	if withVideo && t.videoSender == nil {
		if err := t.attachVideoLocked(); err != nil {
			return err
		}
	}
	return nil
}

// attachVideoLocked requires t.mu held.
func (t *PionTransport) attachVideoLocked() error {
	track, err := t.src.VideoTrack()
	if err != nil {
		return err
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	t.videoSender = sender
	go drainRTCP(sender)
	return nil
}

// drainRTCP keeps the interceptor pipeline fed. Senders stop the reader on
// close.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *PionTransport) CreateOffer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (t *PionTransport) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (t *PionTransport) ApplyRemoteOffer(ctx context.Context, sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	})
}

func (t *PionTransport) ApplyRemoteAnswer(ctx context.Context, sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdp,
	})
}

func (t *PionTransport) AddICECandidate(ctx context.Context, cand calls.ICEPayload) error {
	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

// SetAudioEnabled swaps the track in or out of the sender so mute stops
// packets on the wire, not just capture.
func (t *PionTransport) SetAudioEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.audioSender == nil {
		return nil
	}
	if enabled {
		return t.audioSender.ReplaceTrack(t.audioTrack)
	}
	return t.audioSender.ReplaceTrack(nil)
}

func (t *PionTransport) SetVideoEnabled(ctx context.Context, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enabled {
		if t.videoSender != nil {
			return nil
		}
		return t.attachVideoLocked()
	}
	if t.videoSender == nil {
		return nil
	}
	if err := t.pc.RemoveTrack(t.videoSender); err != nil {
		return fmt.Errorf("remove video track: %w", err)
	}
	t.videoSender = nil
	t.src.StopVideo()
	return nil
}

func (t *PionTransport) OnICECandidate(fn func(calls.ICEPayload)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		j := c.ToJSON()
		p := calls.ICEPayload{Candidate: j.Candidate}
		if j.SDPMid != nil {
			p.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			p.SDPMLineIndex = *j.SDPMLineIndex
		}
		fn(p)
	})
}

func (t *PionTransport) OnConnectionState(fn func(ConnState)) {
	t.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		fn(connState(st))
	})
}

func connState(st webrtc.PeerConnectionState) ConnState {
	switch st {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

func (t *PionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.pc.Close()
	if cerr := t.src.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ Transport = (*PionTransport)(nil)
