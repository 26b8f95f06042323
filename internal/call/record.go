package call

import (
	"encoding/json"
	"time"
)

// State tracks where one call sits in its negotiation lifecycle.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer_sent"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerExchanged:
		return "answer_exchanged"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// End reasons carried in call_end signals and Ended events.
const (
	ReasonHangup      = "hangup"
	ReasonRejected    = "rejected"
	ReasonTimeout     = "timeout"
	ReasonMediaDenied = "media_denied"
	ReasonFailed      = "failed"
)

// record is the manager's view of one call, keyed by call ID. Accessed only
// under the manager's lock except for the ring timer, which re-enters
// through the manager.
type record struct {
	id       string
	peerID   string
	outbound bool
	state    State

	// offerSDP holds the most recent remote offer on the callee side until
	// the user accepts. A repeated call_offer with the same ID overwrites
	// it; the newest offer wins.
	offerSDP string

	// pending buffers remote ICE candidates that arrived before a remote
	// description existed, in arrival order with exact duplicates dropped.
	pending [][]byte

	peer  Peer
	timer *time.Timer
}

// bufferCandidate appends a candidate unless an identical one is already
// buffered. Push services and reconnects can replay candidate signals, and
// applying the same candidate twice confuses ICE restarts.
func (r *record) bufferCandidate(c json.RawMessage) {
	for _, p := range r.pending {
		if string(p) == string(c) {
			return
		}
	}
	buf := make([]byte, len(c))
	copy(buf, c)
	r.pending = append(r.pending, buf)
}

// drainCandidates returns the buffered candidates in arrival order and
// clears the buffer.
func (r *record) drainCandidates() []json.RawMessage {
	out := make([]json.RawMessage, len(r.pending))
	for i, p := range r.pending {
		out[i] = json.RawMessage(p)
	}
	r.pending = nil
	return out
}

func (r *record) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
