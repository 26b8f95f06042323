// Package call implements one-to-one audio/video call negotiation over the
// signal relay: offer/answer exchange, trickled ICE candidates with
// out-of-order buffering, ring timeouts and idempotent teardown. The WebRTC
// engine is Pion, reached only through the Peer interface so the state
// machine stays testable without sockets.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/wisplink/wisp/internal/proto"
)

var log = logging.Logger("call")

// DefaultRingTimeout bounds how long an unanswered call rings before it is
// torn down on both sides.
const DefaultRingTimeout = 30 * time.Second

var (
	ErrUnknownCall = errors.New("no such call")

	// ErrBusy rejects a Start toward a peer that already has a live call;
	// the existing call must end before a new one can ring.
	ErrBusy = errors.New("a call with this peer is already active")
)

// Manager owns every active call for one identity and routes call signals
// to the right record.
type Manager struct {
	sig         Signaler
	factory     PeerFactory
	ringTimeout time.Duration

	mu    sync.Mutex
	calls map[string]*record

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	endedMu sync.RWMutex
	ended   []func(id, peerID, reason string)
}

func NewManager(sig Signaler, factory PeerFactory) *Manager {
	return &Manager{
		sig:         sig,
		factory:     factory,
		ringTimeout: DefaultRingTimeout,
		calls:       make(map[string]*record),
	}
}

// SetRingTimeout overrides the unanswered-call deadline; zero restores the
// default.
func (m *Manager) SetRingTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultRingTimeout
	}
	m.ringTimeout = d
}

// OnIncoming registers a handler fired for each new incoming call.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// OnEnded registers a handler fired once per call teardown with the reason.
func (m *Manager) OnEnded(fn func(id, peerID, reason string)) {
	m.endedMu.Lock()
	m.ended = append(m.ended, fn)
	m.endedMu.Unlock()
}

// Start places an outbound call and returns its ID. The offer is sent
// immediately; if no answer arrives within the ring timeout the call is
// torn down with reason "timeout" on both ends. At most one call per peer:
// a second Start toward the same peer returns ErrBusy.
func (m *Manager) Start(ctx context.Context, to string) (string, error) {
	id := uuid.NewString()

	peer, err := m.factory(m.peerEvents(id, to))
	if err != nil {
		return "", fmt.Errorf("create peer: %w", err)
	}

	sdp, err := peer.CreateOffer(ctx)
	if err != nil {
		peer.Close()
		return "", fmt.Errorf("create offer: %w", err)
	}

	m.mu.Lock()
	for _, other := range m.calls {
		if other.peerID == to {
			m.mu.Unlock()
			peer.Close()
			return "", ErrBusy
		}
	}
	r := &record{id: id, peerID: to, outbound: true, state: StateOfferSent, peer: peer}
	r.timer = time.AfterFunc(m.ringTimeout, func() { m.timeout(id) })
	m.calls[id] = r
	m.mu.Unlock()

	if err := m.sig.SendSignal(to, &proto.Payload{
		Type:   proto.PayloadCallOffer,
		CallID: id,
		SDP:    sdp,
	}); err != nil {
		m.end(id, ReasonFailed, false)
		return "", err
	}
	log.Infof("call %s: ringing %s", id, to)
	return id, nil
}

// Hangup ends a call locally and notifies the remote side. Unknown or
// already-ended IDs are a no-op.
func (m *Manager) Hangup(id string) {
	m.end(id, ReasonHangup, true)
}

// HandleSignal consumes call_* payloads delivered by the transport. Other
// payload types are ignored.
func (m *Manager) HandleSignal(ctx context.Context, from string, p *proto.Payload) {
	switch p.Type {
	case proto.PayloadCallOffer:
		m.handleOffer(from, p)
	case proto.PayloadCallAnswer:
		m.handleAnswer(from, p)
	case proto.PayloadCallCandidate:
		m.handleCandidate(from, p)
	case proto.PayloadCallEnd:
		m.handleEnd(from, p)
	}
}

func (m *Manager) handleOffer(from string, p *proto.Payload) {
	m.mu.Lock()
	if r, ok := m.calls[p.CallID]; ok {
		// Repeated offer for a ringing call, e.g. replayed through a
		// reconnect. The newest SDP wins; buffered candidates for the stale
		// offer no longer apply.
		if !r.outbound && r.state == StateOfferReceived {
			r.offerSDP = p.SDP
			r.pending = nil
			log.Debugf("call %s: offer from %s replaced", p.CallID, from)
		}
		m.mu.Unlock()
		return
	}

	r := &record{id: p.CallID, peerID: from, state: StateOfferReceived, offerSDP: p.SDP}
	r.timer = time.AfterFunc(m.ringTimeout, func() { m.timeout(p.CallID) })
	m.calls[p.CallID] = r
	m.mu.Unlock()

	ic := &IncomingCall{
		ID:     p.CallID,
		From:   from,
		Accept: func(ctx context.Context) error { return m.accept(ctx, p.CallID) },
		Reject: func() { m.end(p.CallID, ReasonRejected, true) },
	}
	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
	log.Infof("call %s: incoming from %s", p.CallID, from)
}

// accept answers a ringing incoming call: builds the peer, applies the
// stored offer, replies with call_answer and drains candidates buffered
// while the call rang. A peer-setup failure, typically denied media
// permissions, ends the call with media_denied so the caller stops ringing.
func (m *Manager) accept(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.calls[id]
	if !ok || r.state != StateOfferReceived {
		m.mu.Unlock()
		return ErrUnknownCall
	}
	offer := r.offerSDP
	from := r.peerID
	m.mu.Unlock()

	peer, err := m.factory(m.peerEvents(id, from))
	if err != nil {
		m.end(id, ReasonMediaDenied, true)
		return fmt.Errorf("create peer: %w", err)
	}

	answer, err := peer.AcceptOffer(ctx, offer)
	if err != nil {
		peer.Close()
		m.end(id, ReasonFailed, true)
		return fmt.Errorf("accept offer: %w", err)
	}

	m.mu.Lock()
	r, ok = m.calls[id]
	if !ok {
		// Ended while we were negotiating (remote hangup or timeout).
		m.mu.Unlock()
		peer.Close()
		return ErrUnknownCall
	}
	r.peer = peer
	r.state = StateAnswerExchanged
	r.stopTimer()
	buffered := r.drainCandidates()
	m.mu.Unlock()

	if err := m.sig.SendSignal(from, &proto.Payload{
		Type:   proto.PayloadCallAnswer,
		CallID: id,
		SDP:    answer,
	}); err != nil {
		m.end(id, ReasonFailed, false)
		return err
	}

	for _, c := range buffered {
		if err := peer.AddCandidate(c); err != nil {
			log.Warnf("call %s: buffered candidate rejected: %v", id, err)
		}
	}
	log.Infof("call %s: accepted", id)
	return nil
}

func (m *Manager) handleAnswer(from string, p *proto.Payload) {
	m.mu.Lock()
	r, ok := m.calls[p.CallID]
	if !ok || !r.outbound || r.state != StateOfferSent || r.peerID != from {
		m.mu.Unlock()
		log.Debugf("call %s: stray answer from %s", p.CallID, from)
		return
	}
	peer := r.peer
	r.state = StateAnswerExchanged
	r.stopTimer()
	buffered := r.drainCandidates()
	m.mu.Unlock()

	if err := peer.AcceptAnswer(p.SDP); err != nil {
		log.Errorf("call %s: apply answer: %v", p.CallID, err)
		m.end(p.CallID, ReasonFailed, true)
		return
	}
	for _, c := range buffered {
		if err := peer.AddCandidate(c); err != nil {
			log.Warnf("call %s: buffered candidate rejected: %v", p.CallID, err)
		}
	}
}

func (m *Manager) handleCandidate(from string, p *proto.Payload) {
	m.mu.Lock()
	r, ok := m.calls[p.CallID]
	if !ok || r.peerID != from {
		m.mu.Unlock()
		return
	}
	// Until the answer is exchanged no remote description exists, so
	// candidates wait in the buffer.
	if r.state == StateOfferSent || r.state == StateOfferReceived {
		r.bufferCandidate(p.Candidate)
		m.mu.Unlock()
		return
	}
	peer := r.peer
	m.mu.Unlock()

	if err := peer.AddCandidate(p.Candidate); err != nil {
		log.Warnf("call %s: candidate rejected: %v", p.CallID, err)
	}
}

func (m *Manager) handleEnd(from string, p *proto.Payload) {
	reason := p.Reason
	if reason == "" {
		reason = ReasonHangup
	}
	// Remote already knows; do not echo a call_end back.
	m.end(p.CallID, reason, false)
	_ = from
}

func (m *Manager) timeout(id string) {
	log.Infof("call %s: ring timeout", id)
	m.end(id, ReasonTimeout, true)
}

// end is the single teardown path. It is idempotent: the first caller wins,
// later calls find no record and return.
func (m *Manager) end(id, reason string, notifyRemote bool) {
	m.mu.Lock()
	r, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.calls, id)
	r.stopTimer()
	r.state = StateEnded
	peer := r.peer
	peerID := r.peerID
	m.mu.Unlock()

	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Debugf("call %s: close peer: %v", id, err)
		}
	}
	if notifyRemote {
		err := m.sig.SendSignal(peerID, &proto.Payload{
			Type:   proto.PayloadCallEnd,
			CallID: id,
			Reason: reason,
		})
		if err != nil {
			log.Debugf("call %s: send end: %v", id, err)
		}
	}
	log.Infof("call %s: ended (%s)", id, reason)

	m.endedMu.RLock()
	handlers := make([]func(string, string, string), len(m.ended))
	copy(handlers, m.ended)
	m.endedMu.RUnlock()
	for _, fn := range handlers {
		fn(id, peerID, reason)
	}
}

// State reports where a call currently stands.
func (m *Manager) State(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.calls[id]
	if !ok {
		return StateEnded, false
	}
	return r.state, true
}

// Active returns the IDs of calls that have not ended.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	return ids
}

// Close hangs up every active call.
func (m *Manager) Close() {
	for _, id := range m.Active() {
		m.end(id, ReasonHangup, true)
	}
}

// peerEvents wires a call's peer callbacks back into the manager: local
// candidates trickle out as signals, connection state drives the record.
func (m *Manager) peerEvents(id, peerID string) PeerEvents {
	return PeerEvents{
		LocalCandidate: func(candidate json.RawMessage) {
			err := m.sig.SendSignal(peerID, &proto.Payload{
				Type:      proto.PayloadCallCandidate,
				CallID:    id,
				Candidate: candidate,
			})
			if err != nil {
				log.Debugf("call %s: send candidate: %v", id, err)
			}
		},
		Connected: func() {
			m.mu.Lock()
			if r, ok := m.calls[id]; ok && r.state == StateAnswerExchanged {
				r.state = StateConnected
				log.Infof("call %s: connected", id)
			}
			m.mu.Unlock()
		},
		Failed: func() {
			m.end(id, ReasonFailed, true)
		},
	}
}
