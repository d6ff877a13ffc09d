// Package media runs the negotiation session for one call: it owns the peer
// transport, reacts to remote signals, and is the only place local capture is
// acquired or released.
package media

import (
	"context"

	"call-service/internal/calls"
)

// ConnState is the transport connection state in a transport-neutral form,
// fed to the watchdog once the call is accepted.
type ConnState string

const (
	StateNew          ConnState = "new"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
	StateClosed       ConnState = "closed"
)

// Down reports whether s warrants the watchdog grace timer.
func (s ConnState) Down() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// Transport abstracts the peer connection so the session logic is testable
// without a network stack. Implementations are not safe for concurrent use;
// the Session serializes all calls.
type Transport interface {
	// EnsureMedia acquires local capture and attaches tracks. Audio is
	// always attached; video only when withVideo is true. Idempotent.
	EnsureMedia(ctx context.Context, withVideo bool) error

	CreateOffer(ctx context.Context) (sdp string, err error)
	CreateAnswer(ctx context.Context) (sdp string, err error)
	ApplyRemoteOffer(ctx context.Context, sdp string) error
	ApplyRemoteAnswer(ctx context.Context, sdp string) error
	AddICECandidate(ctx context.Context, cand calls.ICEPayload) error

	// SetAudioEnabled mutes or unmutes the local audio track without
	// renegotiating.
	SetAudioEnabled(enabled bool) error

	// SetVideoEnabled attaches or detaches the local video track. The
	// session renegotiates after either direction.
	SetVideoEnabled(ctx context.Context, enabled bool) error

	OnICECandidate(fn func(calls.ICEPayload))
	OnConnectionState(fn func(ConnState))

	// Close releases the peer connection and all local capture. Idempotent.
	Close() error
}

// TransportFactory builds the transport when the session starts, so tests
// inject fakes and production wires the pion implementation.
type TransportFactory func(ctx context.Context) (Transport, error)
