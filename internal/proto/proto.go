// Package proto defines the wire frames exchanged over the realtime
// transport and the closed payload union routed by the relay. Validation
// happens here, at the boundary, so no handler ever sees a malformed or
// unlisted payload type.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Frame types on the realtime transport.
const (
	FrameSignal     = "signal"
	FramePresence   = "presence"
	FrameHeartbeat  = "heartbeat"
	FrameVisibility = "visibility"
	FrameList       = "list"
)

// Payload types relayed between identities.
const (
	PayloadChatMessage   = "chat_message"
	PayloadChatReceipt   = "chat_receipt"
	PayloadCallOffer     = "call_offer"
	PayloadCallAnswer    = "call_answer"
	PayloadCallCandidate = "call_candidate"
	PayloadCallEnd       = "call_end"
)

// Receipt statuses for chat_receipt payloads.
const (
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// MaxTextRunes caps chat message text after control-character stripping.
const MaxTextRunes = 2000

// MaxFrameBytes caps one serialized frame on the wire.
const MaxFrameBytes = 64 * 1024

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrEmptyRecipient = errors.New("signal requires a recipient")
)

// Frame is one message on the realtime transport. Outbound signals carry To;
// the relay rewrites delivered signals to carry From instead.
type Frame struct {
	Type    string   `json:"type"`
	To      string   `json:"to,omitempty"`
	From    string   `json:"from,omitempty"`
	Payload *Payload `json:"payload,omitempty"`
	Online  []string `json:"online,omitempty"`
	Visible *bool    `json:"visible,omitempty"`
}

// Payload is the closed tagged union of relayable signals. Which fields are
// meaningful depends on Type; ValidateSignal enforces the per-type contract.
type Payload struct {
	Type string `json:"type"`

	// chat_message
	Encrypted bool   `json:"encrypted,omitempty"`
	Text      string `json:"text,omitempty"`

	// chat_message and chat_receipt (unix milliseconds)
	TS int64 `json:"ts,omitempty"`

	// chat_receipt
	Status string `json:"status,omitempty"`

	// call_*
	CallID    string          `json:"callId,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Envelope is an addressed payload passed through the relay.
type Envelope struct {
	From    string
	To      string
	Payload *Payload
}

// IsCall reports whether the payload belongs to the call negotiation family.
func (p *Payload) IsCall() bool {
	switch p.Type {
	case PayloadCallOffer, PayloadCallAnswer, PayloadCallCandidate, PayloadCallEnd:
		return true
	}
	return false
}

// ValidateSignal checks a payload against the allow-list and per-type rules,
// normalizing chat text in place. The whole payload is rejected on any
// violation; nothing is silently dropped mid-fan-out later.
//
// Chat text order is fixed as: strip control characters, reject empty or
// over-length, then truncate to MaxTextRunes. The truncate step is a stated
// policy carried over from the original system; it is a no-op once the
// length check passed but keeps the cap in force if the check ever loosens.
func ValidateSignal(p *Payload) error {
	if p == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}

	switch p.Type {
	case PayloadChatMessage:
		text := stripControl(p.Text)
		n := utf8.RuneCountInString(text)
		if n == 0 {
			return fmt.Errorf("%w: empty chat text", ErrInvalidPayload)
		}
		if n > MaxTextRunes {
			return fmt.Errorf("%w: chat text exceeds %d characters", ErrInvalidPayload, MaxTextRunes)
		}
		p.Text = truncateRunes(text, MaxTextRunes)
		return nil

	case PayloadChatReceipt:
		if p.TS == 0 {
			return fmt.Errorf("%w: chat_receipt requires ts", ErrInvalidPayload)
		}
		switch p.Status {
		case StatusDelivered, StatusRead, StatusFailed:
			return nil
		}
		return fmt.Errorf("%w: chat_receipt status %q", ErrInvalidPayload, p.Status)

	case PayloadCallOffer, PayloadCallAnswer:
		if p.CallID == "" {
			return fmt.Errorf("%w: %s requires callId", ErrInvalidPayload, p.Type)
		}
		if p.SDP == "" {
			return fmt.Errorf("%w: %s requires sdp", ErrInvalidPayload, p.Type)
		}
		return nil

	case PayloadCallCandidate:
		if p.CallID == "" {
			return fmt.Errorf("%w: call_candidate requires callId", ErrInvalidPayload)
		}
		if len(p.Candidate) == 0 {
			return fmt.Errorf("%w: call_candidate requires candidate", ErrInvalidPayload)
		}
		return nil

	case PayloadCallEnd:
		if p.CallID == "" {
			return fmt.Errorf("%w: call_end requires callId", ErrInvalidPayload)
		}
		return nil
	}

	return fmt.Errorf("%w: unsupported type %q", ErrInvalidPayload, p.Type)
}

// stripControl removes C0 control characters and DEL, keeping newlines and
// tabs so multi-line messages survive.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func NowMillis() int64 { return time.Now().UnixMilli() }
