// Package watchdog supervises the transport of an accepted call and
// force-ends calls that go dark without a hangup, e.g. when the remote
// process is killed.
package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"call-service/internal/calls"
	"call-service/internal/media"
	"call-service/pkg/utils"
)

// ReasonConnectionLost is stamped as end_reason on forced terminations.
const ReasonConnectionLost = "connection_lost"

// Ender is the lifecycle surface the watchdog drives.
type Ender interface {
	ForceEnd(ctx context.Context, callID, reason string) (calls.Call, error)
}

// EndLock arbitrates which observer performs the forced end when several
// watch the same call. The store's terminal guard is the backstop; the lock
// keeps the common path to a single attempt.
type EndLock interface {
	Acquire(ctx context.Context, callID string) (bool, error)
}

// RedisEndLock implements EndLock on the shared redis instance so two
// participants' processes cannot both drive the transition.
type RedisEndLock struct {
	rdb   *redis.Client
	owner string
	ttl   time.Duration
}

func NewRedisEndLock(rdb *redis.Client, owner string, ttl time.Duration) *RedisEndLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisEndLock{rdb: rdb, owner: owner, ttl: ttl}
}

func (l *RedisEndLock) Acquire(ctx context.Context, callID string) (bool, error) {
	return utils.AcquireTerminateLock(ctx, l.rdb, "call:"+callID+":end_lock", l.owner, l.ttl)
}

var _ EndLock = (*RedisEndLock)(nil)

// Watchdog watches one accepted call. Feed it connection states via
// Observe; a state in the disconnected family arms a grace timer, recovery
// cancels it, expiry force-ends the call.
type Watchdog struct {
	callID string
	grace  time.Duration
	ender  Ender
	lock   EndLock
	log    *slog.Logger

	// onForced runs after this instance drove the forced end, so the
	// owner can release the media session.
	onForced func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

type Option func(*Watchdog)

// WithEndLock adds cross-instance arbitration.
func WithEndLock(l EndLock) Option {
	return func(w *Watchdog) { w.lock = l }
}

// WithOnForced registers local teardown to run after a forced end.
func WithOnForced(fn func()) Option {
	return func(w *Watchdog) { w.onForced = fn }
}

func New(callID string, grace time.Duration, ender Ender, log *slog.Logger, opts ...Option) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	w := &Watchdog{
		callID: callID,
		grace:  grace,
		ender:  ender,
		log:    log.With("call_id", callID),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Observe feeds one connection state change.
func (w *Watchdog) Observe(st media.ConnState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	if st.Down() {
		if w.timer == nil {
			w.log.Info("transport down, grace timer armed", "state", st, "grace", w.grace)
			w.timer = time.AfterFunc(w.grace, w.expire)
		}
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
		w.log.Info("transport recovered within grace", "state", st)
	}
}

// Stop cancels any pending timer. Called when the call ends through a
// normal path. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) expire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.stopped = true
	w.mu.Unlock()

	ctx := context.Background()
	if w.lock != nil {
		ok, err := w.lock.Acquire(ctx, w.callID)
		if err != nil {
			// Proceed anyway, the store's terminal guard dedupes.
			w.log.Warn("end lock unavailable", "error", err)
		} else if !ok {
			w.log.Info("forced end already claimed elsewhere")
			return
		}
	}

	_, err := w.ender.ForceEnd(ctx, w.callID, ReasonConnectionLost)
	switch {
	case err == nil:
		w.log.Warn("call force-ended after connectivity loss")
	case errors.Is(err, calls.ErrInvalidTransition), errors.Is(err, calls.ErrNotFound):
		w.log.Info("call already terminal at grace expiry")
		return
	default:
		w.log.Error("forced end failed", "error", err)
		return
	}

	if w.onForced != nil {
		w.onForced()
	}
}
