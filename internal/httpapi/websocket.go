package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"call-service/internal/auth"
	"call-service/internal/calls"
	"call-service/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware.
		return true
	},
}

// PresenceTracker keeps the realtime reachability key fresh while a socket
// is open.
type PresenceTracker interface {
	Heartbeat(ctx context.Context, userID string) error
	Clear(ctx context.Context, userID string) error
}

// SignalSocket serves the per-call websocket: inbound frames become signals
// on the channel, channel deliveries become outbound frames. Participants
// only. `?since=RFC3339` backfills persisted signals missed while offline.
type SignalSocket struct {
	Lifecycle *calls.Lifecycle
	Channel   signaling.Channel
	Presence  PresenceTracker
	Log       *slog.Logger

	// open counts live sockets per user so closing one socket does not
	// clear presence while another is still up.
	mu   sync.Mutex
	open map[string]int
}

// inboundFrame is what clients write. sender, call id and timestamps are
// assigned server-side.
type inboundFrame struct {
	Type        calls.SignalType `json:"type"`
	RecipientID string           `json:"recipient_id,omitempty"`
	Payload     json.RawMessage  `json:"payload"`
}

func (s *SignalSocket) Handle(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	call, err := s.Lifecycle.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeCallError(c, err)
		return
	}
	if !call.HasParticipant(userID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a call participant"})
		return
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		since, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log().Warn("websocket upgrade failed", "error", err)
		return
	}

	log := s.log().With("call_id", call.ID, "user_id", userID)
	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		quit:   make(chan struct{}),
		sock:   s,
		call:   call,
		userID: userID,
		log:    log,
	}

	// Subscribe before backfilling so nothing falls between the two; the
	// overlap means a frame may arrive twice, clients dedup by signal id.
	ctx := context.Background()
	unsub, err := s.Channel.Subscribe(ctx, call.ID, client.enqueueSignal)
	if err != nil {
		log.Error("signal subscribe failed", "error", err)
		_ = conn.Close()
		return
	}
	client.unsub = unsub

	backfill, err := s.Lifecycle.Signals(ctx, call.ID, since)
	if err != nil {
		log.Warn("signal backfill failed", "error", err)
	}
	for _, sig := range backfill {
		client.enqueueSignal(sig)
	}

	s.presenceAttach(ctx, userID, log)

	go client.writePump()
	go client.readPump()
}

func (s *SignalSocket) presenceAttach(ctx context.Context, userID string, log *slog.Logger) {
	if s.Presence == nil {
		return
	}
	s.mu.Lock()
	if s.open == nil {
		s.open = make(map[string]int)
	}
	s.open[userID]++
	s.mu.Unlock()

	if err := s.Presence.Heartbeat(ctx, userID); err != nil {
		log.Warn("presence heartbeat failed", "error", err)
	}
}

func (s *SignalSocket) presenceDetach(ctx context.Context, userID string, log *slog.Logger) {
	if s.Presence == nil {
		return
	}
	s.mu.Lock()
	s.open[userID]--
	last := s.open[userID] <= 0
	if last {
		delete(s.open, userID)
	}
	s.mu.Unlock()

	if !last {
		// Another socket is still up; refresh instead of clearing so the
		// user never looks unreachable between ping ticks.
		if err := s.Presence.Heartbeat(ctx, userID); err != nil {
			log.Warn("presence heartbeat failed", "error", err)
		}
		return
	}
	if err := s.Presence.Clear(ctx, userID); err != nil {
		log.Warn("presence clear failed", "error", err)
	}
}

func (s *SignalSocket) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	quit   chan struct{}
	sock   *SignalSocket
	call   calls.Call
	userID string
	unsub  signaling.Unsubscribe
	log    *slog.Logger
}

func (cl *wsClient) enqueueSignal(sig calls.Signal) {
	// Recipient-addressed signals skip the other party.
	if sig.RecipientID != "" && sig.RecipientID != cl.userID {
		return
	}
	data, err := json.Marshal(sig)
	if err != nil {
		cl.log.Warn("signal marshal failed", "error", err)
		return
	}
	select {
	case cl.send <- data:
	default:
		cl.log.Warn("send buffer full, dropping signal", "signal_id", sig.ID)
	}
}

func (cl *wsClient) readPump() {
	defer cl.teardown()

	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.log.Warn("websocket read failed", "error", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			cl.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if !frame.Type.Valid() {
			cl.log.Warn("dropping frame with unknown type", "type", frame.Type)
			continue
		}
		if _, err := calls.DecodePayload(frame.Type, frame.Payload); err != nil {
			cl.log.Warn("dropping frame with invalid payload", "type", frame.Type, "error", err)
			continue
		}

		_, err = cl.sock.Channel.Send(context.Background(), calls.Signal{
			CallID:      cl.call.ID,
			SenderID:    cl.userID,
			RecipientID: frame.RecipientID,
			Type:        frame.Type,
			Payload:     frame.Payload,
		})
		if err != nil {
			cl.log.Warn("signal send failed", "type", frame.Type, "error", err)
		}
	}
}

func (cl *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()

	for {
		select {
		case <-cl.quit:
			_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if cl.sock.Presence != nil {
				if err := cl.sock.Presence.Heartbeat(context.Background(), cl.userID); err != nil {
					cl.log.Warn("presence heartbeat failed", "error", err)
				}
			}
		}
	}
}

func (cl *wsClient) teardown() {
	if cl.unsub != nil {
		cl.unsub()
	}
	close(cl.quit)
	cl.sock.presenceDetach(context.Background(), cl.userID, cl.log)
	cl.log.Info("signal socket closed")
}
