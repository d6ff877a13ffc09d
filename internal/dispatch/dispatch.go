// Package dispatch decides whether a callee should be alerted about a
// ringing call. It performs no negotiation: it watches call records, raises
// one incoming-call event per call, dismisses it when the ring ends, and
// falls back to push delivery when the callee has no live connection.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"call-service/internal/calls"
)

// IncomingCall is the minimal alert surface for one ringing call.
type IncomingCall struct {
	CallID     string    `json:"call_id"`
	CallerID   string    `json:"caller_id"`
	CallerName string    `json:"caller_name"`
	StartedAt  time.Time `json:"started_at"`
}

// Notifier delivers a push notification. Fire-and-forget: no delivery
// acknowledgment reaches the dispatcher, failures are logged only.
type Notifier interface {
	Send(ctx context.Context, token, title, body string, data map[string]string, category string) error
}

// Directory resolves the minimal user facts the alert needs.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
	PushToken(ctx context.Context, userID string) (string, error)
}

// Presence reports whether a user currently holds a realtime connection.
// Used only to suppress redundant pushes.
type Presence interface {
	IsReachable(ctx context.Context, userID string) (bool, error)
}

const pushCategory = "incoming_call"

// Dispatcher watches for calls ringing at one user.
type Dispatcher struct {
	userID   string
	watcher  calls.Watcher
	dir      Directory
	notifier Notifier
	presence Presence
	log      *slog.Logger

	onIncoming func(IncomingCall)
	onDismiss  func(callID string)

	mu             sync.Mutex
	cancel         func()
	lastDispatched string
	viewing        string
}

type Option func(*Dispatcher)

// WithPush enables the push fallback for unreachable callees.
func WithPush(n Notifier, p Presence) Option {
	return func(d *Dispatcher) {
		d.notifier = n
		d.presence = p
	}
}

func New(userID string, w calls.Watcher, dir Directory, onIncoming func(IncomingCall), onDismiss func(callID string), log *slog.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		userID:     userID,
		watcher:    w,
		dir:        dir,
		log:        log.With("user_id", userID),
		onIncoming: onIncoming,
		onDismiss:  onDismiss,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start subscribes to call events where the user is the callee.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	d.cancel = d.watcher.Subscribe(
		calls.Filter{CalleeID: d.userID},
		calls.Handler{
			OnInsert: func(c calls.Call) { d.handleInsert(ctx, c) },
			OnUpdate: func(c calls.Call) { d.handleUpdate(c) },
		},
	)
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetViewing marks the call screen the user is currently on. Alerts for
// that call are suppressed. Empty clears it.
func (d *Dispatcher) SetViewing(callID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.viewing = callID
}

func (d *Dispatcher) handleInsert(ctx context.Context, c calls.Call) {
	if c.Status != calls.StatusRinging {
		return
	}

	d.mu.Lock()
	if c.ID == d.lastDispatched || c.ID == d.viewing {
		d.mu.Unlock()
		return
	}
	d.lastDispatched = c.ID
	d.mu.Unlock()

	name := d.callerName(ctx, c.CallerID)
	if d.onIncoming != nil {
		d.onIncoming(IncomingCall{
			CallID:     c.ID,
			CallerID:   c.CallerID,
			CallerName: name,
			StartedAt:  c.CreatedAt,
		})
	}
	d.maybePush(ctx, c, name)
}

func (d *Dispatcher) handleUpdate(c calls.Call) {
	d.mu.Lock()
	dismiss := c.ID == d.lastDispatched && c.Status != calls.StatusRinging
	d.mu.Unlock()

	if dismiss && d.onDismiss != nil {
		d.onDismiss(c.ID)
	}
}

func (d *Dispatcher) callerName(ctx context.Context, callerID string) string {
	if d.dir == nil {
		return callerID
	}
	name, err := d.dir.DisplayName(ctx, callerID)
	if err != nil || name == "" {
		d.log.Warn("caller name lookup failed", "caller_id", callerID, "error", err)
		return callerID
	}
	return name
}

// maybePush delivers a push only when the callee is not reachable over a
// realtime connection. Every failure here is best-effort.
func (d *Dispatcher) maybePush(ctx context.Context, c calls.Call, callerName string) {
	if d.notifier == nil || d.presence == nil {
		return
	}
	reachable, err := d.presence.IsReachable(ctx, d.userID)
	if err != nil {
		d.log.Warn("presence lookup failed", "error", err)
		reachable = false
	}
	if reachable {
		return
	}

	token, err := d.dir.PushToken(ctx, d.userID)
	if err != nil || token == "" {
		d.log.Warn("no push token", "error", err)
		return
	}
	err = d.notifier.Send(ctx, token, "Incoming call", callerName+" is calling", map[string]string{
		"call_id":   c.ID,
		"caller_id": c.CallerID,
	}, pushCategory)
	if err != nil {
		d.log.Warn("push delivery failed", "call_id", c.ID, "error", err)
	}
}
