package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wisplink/wisp/internal/proto"
)

type sentSignal struct {
	to      string
	payload *proto.Payload
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
	ch   chan sentSignal
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan sentSignal, 32)}
}

func (s *fakeSignaler) SendSignal(to string, payload *proto.Payload) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentSignal{to, payload})
	s.mu.Unlock()
	s.ch <- sentSignal{to, payload}
	return nil
}

func (s *fakeSignaler) await(t *testing.T, payloadType string) sentSignal {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sig := <-s.ch:
			if sig.payload.Type == payloadType {
				return sig
			}
		case <-deadline:
			t.Fatalf("no %s signal sent", payloadType)
		}
	}
}

func (s *fakeSignaler) countByType(payloadType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sig := range s.sent {
		if sig.payload.Type == payloadType {
			n++
		}
	}
	return n
}

type fakePeer struct {
	mu         sync.Mutex
	candidates []string
	closed     bool
	failOffer  bool
}

func (p *fakePeer) CreateOffer(ctx context.Context) (string, error) {
	if p.failOffer {
		return "", errors.New("no media")
	}
	return "offer-sdp", nil
}

func (p *fakePeer) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	return "answer-sdp", nil
}

func (p *fakePeer) AcceptAnswer(sdp string) error { return nil }

func (p *fakePeer) AddCandidate(c json.RawMessage) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, string(c))
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func newTestManager(t *testing.T) (*Manager, *fakeSignaler, *fakePeer) {
	t.Helper()
	sig := newFakeSignaler()
	peer := &fakePeer{}
	m := NewManager(sig, func(events PeerEvents) (Peer, error) { return peer, nil })
	t.Cleanup(m.Close)
	return m, sig, peer
}

func candidate(s string) json.RawMessage {
	return json.RawMessage(`{"candidate":"` + s + `"}`)
}

func TestOutboundCallSendsOffer(t *testing.T) {
	m, sig, _ := newTestManager(t)

	id, err := m.Start(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id == "" {
		t.Fatal("empty call ID")
	}

	offer := sig.await(t, proto.PayloadCallOffer)
	if offer.to != "bob" || offer.payload.CallID != id || offer.payload.SDP != "offer-sdp" {
		t.Fatalf("offer = %+v", offer)
	}
	if state, ok := m.State(id); !ok || state != StateOfferSent {
		t.Fatalf("state = %v %v", state, ok)
	}
}

func TestRingTimeout(t *testing.T) {
	m, sig, peer := newTestManager(t)
	m.SetRingTimeout(50 * time.Millisecond)

	var endedReason string
	done := make(chan struct{})
	m.OnEnded(func(id, peerID, reason string) {
		endedReason = reason
		close(done)
	})

	if _, err := m.Start(context.Background(), "bob"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	if endedReason != ReasonTimeout {
		t.Fatalf("reason = %q", endedReason)
	}

	end := sig.await(t, proto.PayloadCallEnd)
	if end.payload.Reason != ReasonTimeout {
		t.Fatalf("call_end reason = %q", end.payload.Reason)
	}
	if !peer.closed {
		t.Fatal("peer not closed on timeout")
	}
}

func TestAnswerCancelsTimeoutAndDrainsCandidates(t *testing.T) {
	m, sig, peer := newTestManager(t)
	m.SetRingTimeout(150 * time.Millisecond)

	ctx := context.Background()
	id, err := m.Start(ctx, "bob")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Candidates arriving before the answer wait in the buffer; an exact
	// duplicate is dropped.
	m.HandleSignal(ctx, "bob", &proto.Payload{Type: proto.PayloadCallCandidate, CallID: id, Candidate: candidate("a")})
	m.HandleSignal(ctx, "bob", &proto.Payload{Type: proto.PayloadCallCandidate, CallID: id, Candidate: candidate("b")})
	m.HandleSignal(ctx, "bob", &proto.Payload{Type: proto.PayloadCallCandidate, CallID: id, Candidate: candidate("a")})

	if got := peer.applied(); len(got) != 0 {
		t.Fatalf("candidates applied before answer: %v", got)
	}

	m.HandleSignal(ctx, "bob", &proto.Payload{Type: proto.PayloadCallAnswer, CallID: id, SDP: "answer-sdp"})

	got := peer.applied()
	if len(got) != 2 || got[0] != string(candidate("a")) || got[1] != string(candidate("b")) {
		t.Fatalf("drained candidates = %v, want a then b once each", got)
	}

	// Well past the ring timeout the call must still be alive.
	time.Sleep(250 * time.Millisecond)
	if state, ok := m.State(id); !ok || state != StateAnswerExchanged {
		t.Fatalf("state = %v %v after answer", state, ok)
	}
	if n := sig.countByType(proto.PayloadCallEnd); n != 0 {
		t.Fatalf("%d call_end signals after answered call", n)
	}
}

func TestPostAnswerCandidateAppliedDirectly(t *testing.T) {
	m, _, peer := newTestManager(t)
	ctx := context.Background()

	id, _ := m.Start(ctx, "bob")
	m.HandleSignal(ctx, "bob", &proto.Payload{Type: proto.PayloadCallAnswer, CallID: id, SDP: "answer-sdp"})
	m.HandleSignal(ctx, "bob", &proto.Payload{Type: proto.PayloadCallCandidate, CallID: id, Candidate: candidate("late")})

	got := peer.applied()
	if len(got) != 1 || got[0] != string(candidate("late")) {
		t.Fatalf("applied = %v", got)
	}
}

func TestIncomingCallAcceptFlow(t *testing.T) {
	m, sig, peer := newTestManager(t)
	ctx := context.Background()

	incoming := make(chan *IncomingCall, 1)
	m.OnIncoming(func(ic *IncomingCall) { incoming <- ic })

	m.HandleSignal(ctx, "alice", &proto.Payload{Type: proto.PayloadCallOffer, CallID: "c1", SDP: "their-offer"})

	var ic *IncomingCall
	select {
	case ic = <-incoming:
	case <-time.After(time.Second):
		t.Fatal("OnIncoming never fired")
	}
	if ic.From != "alice" || ic.ID != "c1" {
		t.Fatalf("incoming = %+v", ic)
	}

	// Candidate arrives while ringing.
	m.HandleSignal(ctx, "alice", &proto.Payload{Type: proto.PayloadCallCandidate, CallID: "c1", Candidate: candidate("early")})

	if err := ic.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	answer := sig.await(t, proto.PayloadCallAnswer)
	if answer.to != "alice" || answer.payload.SDP != "answer-sdp" {
		t.Fatalf("answer = %+v", answer)
	}
	if got := peer.applied(); len(got) != 1 || got[0] != string(candidate("early")) {
		t.Fatalf("buffered candidate not drained: %v", got)
	}
	if state, _ := m.State("c1"); state != StateAnswerExchanged {
		t.Fatalf("state = %v", state)
	}
}

func TestDuplicateOfferLastWriteWins(t *testing.T) {
	sig := newFakeSignaler()
	var acceptedOffer string
	m := NewManager(sig, func(events PeerEvents) (Peer, error) {
		return &recordingOfferPeer{fakePeer: &fakePeer{}, accepted: &acceptedOffer}, nil
	})
	t.Cleanup(m.Close)
	ctx := context.Background()

	fired := 0
	var first *IncomingCall
	m.OnIncoming(func(ic *IncomingCall) {
		fired++
		first = ic
	})

	m.HandleSignal(ctx, "alice", &proto.Payload{Type: proto.PayloadCallOffer, CallID: "c1", SDP: "offer-v1"})
	m.HandleSignal(ctx, "alice", &proto.Payload{Type: proto.PayloadCallOffer, CallID: "c1", SDP: "offer-v2"})

	if fired != 1 {
		t.Fatalf("OnIncoming fired %d times, want 1", fired)
	}
	if err := first.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if acceptedOffer != "offer-v2" {
		t.Fatalf("accepted %q, want the replacement offer", acceptedOffer)
	}
}

type recordingOfferPeer struct {
	*fakePeer
	accepted *string
}

func (p *recordingOfferPeer) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	*p.accepted = sdp
	return p.fakePeer.AcceptOffer(ctx, sdp)
}

func TestRejectSendsCallEnd(t *testing.T) {
	m, sig, _ := newTestManager(t)
	ctx := context.Background()

	incoming := make(chan *IncomingCall, 1)
	m.OnIncoming(func(ic *IncomingCall) { incoming <- ic })
	m.HandleSignal(ctx, "alice", &proto.Payload{Type: proto.PayloadCallOffer, CallID: "c1", SDP: "v=0"})

	(<-incoming).Reject()

	end := sig.await(t, proto.PayloadCallEnd)
	if end.to != "alice" || end.payload.Reason != ReasonRejected {
		t.Fatalf("end = %+v", end)
	}
	if _, ok := m.State("c1"); ok {
		t.Fatal("rejected call still tracked")
	}
}

func TestAcceptMediaDenied(t *testing.T) {
	sig := newFakeSignaler()
	m := NewManager(sig, func(events PeerEvents) (Peer, error) {
		return nil, errors.New("permission denied")
	})
	t.Cleanup(m.Close)
	ctx := context.Background()

	incoming := make(chan *IncomingCall, 1)
	m.OnIncoming(func(ic *IncomingCall) { incoming <- ic })
	m.HandleSignal(ctx, "alice", &proto.Payload{Type: proto.PayloadCallOffer, CallID: "c1", SDP: "v=0"})

	if err := (<-incoming).Accept(ctx); err == nil {
		t.Fatal("expected accept failure")
	}

	end := sig.await(t, proto.PayloadCallEnd)
	if end.payload.Reason != ReasonMediaDenied {
		t.Fatalf("reason = %q, want media_denied", end.payload.Reason)
	}
}

func TestRemoteEndTeardownIdempotent(t *testing.T) {
	m, sig, peer := newTestManager(t)
	ctx := context.Background()

	id, _ := m.Start(ctx, "bob")

	ended := 0
	m.OnEnded(func(string, string, string) { ended++ })

	m.HandleSignal(ctx, "bob", &proto.Payload{Type: proto.PayloadCallEnd, CallID: id, Reason: ReasonHangup})
	m.HandleSignal(ctx, "bob", &proto.Payload{Type: proto.PayloadCallEnd, CallID: id, Reason: ReasonHangup})
	m.Hangup(id)

	if ended != 1 {
		t.Fatalf("teardown ran %d times, want 1", ended)
	}
	if !peer.closed {
		t.Fatal("peer not closed")
	}
	// A remote call_end must not be echoed back.
	if n := sig.countByType(proto.PayloadCallEnd); n != 0 {
		t.Fatalf("%d call_end echoes sent", n)
	}
}

func TestHangupNotifiesRemote(t *testing.T) {
	m, sig, _ := newTestManager(t)
	id, _ := m.Start(context.Background(), "bob")

	m.Hangup(id)

	end := sig.await(t, proto.PayloadCallEnd)
	if end.payload.Reason != ReasonHangup || end.payload.CallID != id {
		t.Fatalf("end = %+v", end.payload)
	}

	// Unknown IDs are a no-op.
	m.Hangup("nope")
}

func TestStrayAnswerIgnored(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	id, _ := m.Start(ctx, "bob")
	// Answer from the wrong peer must not advance the call.
	m.HandleSignal(ctx, "mallory", &proto.Payload{Type: proto.PayloadCallAnswer, CallID: id, SDP: "x"})
	if state, _ := m.State(id); state != StateOfferSent {
		t.Fatalf("state = %v", state)
	}
}

func TestStartRejectsSecondCallToSamePeer(t *testing.T) {
	m, sig, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Start(ctx, "bob")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Start(ctx, "bob"); !errors.Is(err, ErrBusy) {
		t.Fatalf("got %v, want ErrBusy", err)
	}
	if n := sig.countByType(proto.PayloadCallOffer); n != 1 {
		t.Fatalf("sent %d offers, want 1", n)
	}

	// A different peer can ring in parallel.
	if _, err := m.Start(ctx, "carol"); err != nil {
		t.Fatalf("Start carol: %v", err)
	}

	// Once the call ends the peer is callable again.
	m.Hangup(id)
	if _, err := m.Start(ctx, "bob"); err != nil {
		t.Fatalf("Start after hangup: %v", err)
	}
}
