package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"call-service/internal/auth"
	"call-service/internal/calls"
	"call-service/internal/config"
	"call-service/internal/signaling"
)

type stubPresenceTracker struct {
	mu         sync.Mutex
	heartbeats map[string]int
	clears     map[string]int
}

func newStubPresenceTracker() *stubPresenceTracker {
	return &stubPresenceTracker{heartbeats: map[string]int{}, clears: map[string]int{}}
}

func (p *stubPresenceTracker) Heartbeat(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats[userID]++
	return nil
}

func (p *stubPresenceTracker) Clear(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears[userID]++
	return nil
}

func (p *stubPresenceTracker) counts(userID string) (heartbeats, clears int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeats[userID], p.clears[userID]
}

type wsEnv struct {
	server   *httptest.Server
	channel  *signaling.MemoryChannel
	presence *stubPresenceTracker
	tokens   map[string]string
	call     calls.Call
}

func newSocketEnv(t *testing.T) *wsEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mgr, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		JWTIssuer:       "call-service",
		JWTAudience:     "call-service-clients",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	store := calls.NewEventedStore(calls.NewMemoryStore())
	lc := calls.NewLifecycle(store)
	channel := signaling.NewMemoryChannel(store)
	presence := newStubPresenceTracker()
	sock := &SignalSocket{Lifecycle: lc, Channel: channel, Presence: presence}

	r := gin.New()
	v1 := r.Group("/v1", auth.RequireAccessToken(mgr))
	v1.GET("/calls/:call_id/ws", sock.Handle)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	call, err := lc.CreateOutgoing(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	env := &wsEnv{server: srv, channel: channel, presence: presence, tokens: map[string]string{}, call: call}
	for _, user := range []string{"alice", "bob", "mallory"} {
		pair, err := mgr.IssuePair(time.Now(), user, "test")
		if err != nil {
			t.Fatalf("issue tokens for %s: %v", user, err)
		}
		env.tokens[user] = pair.AccessToken
	}
	return env
}

func (e *wsEnv) socketURL(query string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/v1/calls/" + e.call.ID + "/ws" + query
}

func (e *wsEnv) dialSocket(t *testing.T, user, query string) *websocket.Conn {
	t.Helper()
	hdr := http.Header{"Authorization": []string{"Bearer " + e.tokens[user]}}
	conn, resp, err := websocket.DefaultDialer.Dial(e.socketURL(query), hdr)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial as %s: %v (status %d)", user, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame inboundFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readSignal(t *testing.T, conn *websocket.Conn) calls.Signal {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read signal: %v", err)
	}
	var sig calls.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		t.Fatalf("decode signal from %q: %v", data, err)
	}
	return sig
}

func waitForSocketState(t *testing.T, desc string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestSignalSocket_RejectsNonParticipant(t *testing.T) {
	env := newSocketEnv(t)

	hdr := http.Header{"Authorization": []string{"Bearer " + env.tokens["mallory"]}}
	_, resp, err := websocket.DefaultDialer.Dial(env.socketURL(""), hdr)
	if err == nil {
		t.Fatal("expected handshake rejection for non-participant")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake, got %+v", resp)
	}
}

func TestSignalSocket_RejectsBadSince(t *testing.T) {
	env := newSocketEnv(t)

	hdr := http.Header{"Authorization": []string{"Bearer " + env.tokens["alice"]}}
	_, resp, err := websocket.DefaultDialer.Dial(env.socketURL("?since=yesterday"), hdr)
	if err == nil {
		t.Fatal("expected handshake rejection for bad since")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 handshake, got %+v", resp)
	}
}

func TestSignalSocket_BridgesSignalsBetweenParticipants(t *testing.T) {
	env := newSocketEnv(t)
	bob := env.dialSocket(t, "bob", "")
	alice := env.dialSocket(t, "alice", "")

	offer, _ := calls.EncodePayload(calls.SDPPayload{SDP: "v=0"})
	writeFrame(t, alice, inboundFrame{Type: calls.SignalOffer, Payload: offer})

	sig := readSignal(t, bob)
	if sig.Type != calls.SignalOffer || sig.SenderID != "alice" {
		t.Fatalf("unexpected signal %+v", sig)
	}
	if sig.ID == "" || sig.CallID != env.call.ID {
		t.Fatalf("identity must be server-assigned, got %+v", sig)
	}

	// The sender receives their own echo with the same persisted id.
	echo := readSignal(t, alice)
	if echo.ID != sig.ID {
		t.Fatalf("expected echo of %s, got %+v", sig.ID, echo)
	}
}

func TestSignalSocket_BackfillsThenStreamsAtLeastOnce(t *testing.T) {
	env := newSocketEnv(t)
	ctx := context.Background()

	offer, _ := calls.EncodePayload(calls.SDPPayload{SDP: "v=0"})
	persisted, err := env.channel.Send(ctx, calls.Signal{
		CallID: env.call.ID, SenderID: "alice", Type: calls.SignalOffer, Payload: offer,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	bob := env.dialSocket(t, "bob", "")
	if got := readSignal(t, bob); got.ID != persisted.ID {
		t.Fatalf("expected backfill of %s, got %+v", persisted.ID, got)
	}

	ice, _ := calls.EncodePayload(calls.ICEPayload{Candidate: "candidate:1"})
	live, err := env.channel.Send(ctx, calls.Signal{
		CallID: env.call.ID, SenderID: "alice", Type: calls.SignalICE, Payload: ice,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Delivery is at-least-once: the send may land in the window between
	// subscribe and backfill and arrive twice, so dedup by id like a
	// client would.
	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		sig := readSignal(t, bob)
		seen[sig.ID]++
		if sig.ID == live.ID {
			break
		}
	}
	if seen[live.ID] == 0 {
		t.Fatalf("live signal never delivered, saw %v", seen)
	}
}

func TestSignalSocket_RecipientAddressedSkipsOtherParty(t *testing.T) {
	env := newSocketEnv(t)
	bob := env.dialSocket(t, "bob", "")
	alice := env.dialSocket(t, "alice", "")

	ctrl, _ := calls.EncodePayload(calls.ControlPayload{Action: "ring-ack"})
	writeFrame(t, alice, inboundFrame{Type: calls.SignalControl, RecipientID: "alice", Payload: ctrl})
	ice, _ := calls.EncodePayload(calls.ICEPayload{Candidate: "candidate:1"})
	writeFrame(t, alice, inboundFrame{Type: calls.SignalICE, Payload: ice})

	// Delivery preserves send order, so if the addressed control leaked
	// to bob it would arrive before the candidate.
	if sig := readSignal(t, bob); sig.Type != calls.SignalICE {
		t.Fatalf("expected only the broadcast candidate, got %s", sig.Type)
	}

	// The addressee still receives it.
	if sig := readSignal(t, alice); sig.Type != calls.SignalControl {
		t.Fatalf("expected addressed control first, got %s", sig.Type)
	}
}

func TestSignalSocket_PresenceFollowsLastSocket(t *testing.T) {
	env := newSocketEnv(t)
	first := env.dialSocket(t, "bob", "")
	second := env.dialSocket(t, "bob", "")

	waitForSocketState(t, "both sockets heartbeat", func() bool {
		hb, _ := env.presence.counts("bob")
		return hb >= 2
	})

	// Closing one socket must not mark bob unreachable while the other
	// is still up; the survivor is refreshed instead.
	_ = first.Close()
	waitForSocketState(t, "refresh without clear", func() bool {
		hb, cl := env.presence.counts("bob")
		return hb >= 3 && cl == 0
	})

	_ = second.Close()
	waitForSocketState(t, "clear after last socket", func() bool {
		_, cl := env.presence.counts("bob")
		return cl == 1
	})
}
