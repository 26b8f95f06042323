package call

import (
	"context"
	"encoding/json"

	"github.com/wisplink/wisp/internal/proto"
)

// Signaler is the only surface the call package needs from the transport
// layer. The websocket client satisfies it; tests use a recording fake.
type Signaler interface {
	SendSignal(to string, payload *proto.Payload) error
}

// Peer abstracts one WebRTC peer connection so the negotiation logic can be
// tested without opening sockets. pionPeer is the production implementation.
type Peer interface {
	// CreateOffer produces the local offer SDP and applies it as the local
	// description.
	CreateOffer(ctx context.Context) (string, error)

	// AcceptOffer applies a remote offer and produces the local answer SDP.
	AcceptOffer(ctx context.Context, sdp string) (string, error)

	// AcceptAnswer applies the remote answer on the offering side.
	AcceptAnswer(sdp string) error

	// AddCandidate applies one remote ICE candidate. Callers must only
	// invoke it after a remote description is set.
	AddCandidate(candidate json.RawMessage) error

	Close() error
}

// PeerEvents carries the callbacks a Peer fires as negotiation progresses.
type PeerEvents struct {
	// LocalCandidate fires for every locally gathered ICE candidate, as the
	// JSON form ready to ship in a call_candidate signal.
	LocalCandidate func(candidate json.RawMessage)

	// Connected fires once when the connection reaches the connected state.
	Connected func()

	// Failed fires when the connection fails or disconnects after setup.
	Failed func()
}

// PeerFactory builds a Peer. NewPionFactory returns the production one;
// tests substitute their own.
type PeerFactory func(events PeerEvents) (Peer, error)

// IncomingCall is handed to OnIncoming handlers when a call_offer arrives.
// Exactly one of Accept or Reject should be invoked; both are safe to call
// after the call has already ended.
type IncomingCall struct {
	ID     string
	From   string
	Accept func(ctx context.Context) error
	Reject func()
}
