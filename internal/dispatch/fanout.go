package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"call-service/internal/calls"
)

// Fanout is the server-side counterpart of the per-user Dispatcher: it
// watches every new ringing call and pushes to the callee's device when
// they have no live connection to be alerted over. Connected callees are
// alerted by their own Dispatcher instead.
type Fanout struct {
	watcher  calls.Watcher
	dir      Directory
	notifier Notifier
	presence Presence
	log      *slog.Logger

	mu     sync.Mutex
	cancel func()
}

func NewFanout(w calls.Watcher, dir Directory, n Notifier, p Presence, log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{watcher: w, dir: dir, notifier: n, presence: p, log: log}
}

func (f *Fanout) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}
	f.cancel = f.watcher.Subscribe(calls.Filter{}, calls.Handler{
		OnInsert: func(c calls.Call) { f.handleInsert(ctx, c) },
	})
}

func (f *Fanout) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *Fanout) handleInsert(ctx context.Context, c calls.Call) {
	if c.Status != calls.StatusRinging {
		return
	}
	log := f.log.With("call_id", c.ID, "callee_id", c.CalleeID)

	reachable, err := f.presence.IsReachable(ctx, c.CalleeID)
	if err != nil {
		log.Warn("presence lookup failed", "error", err)
		reachable = false
	}
	if reachable {
		return
	}

	token, err := f.dir.PushToken(ctx, c.CalleeID)
	if err != nil || token == "" {
		log.Info("callee has no push token, ring not deliverable", "error", err)
		return
	}

	name, err := f.dir.DisplayName(ctx, c.CallerID)
	if err != nil || name == "" {
		name = c.CallerID
	}

	err = f.notifier.Send(ctx, token, "Incoming call", name+" is calling", map[string]string{
		"call_id":   c.ID,
		"caller_id": c.CallerID,
	}, pushCategory)
	if err != nil {
		log.Warn("push delivery failed", "error", err)
	}
}
