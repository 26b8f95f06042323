package relay

import (
	"time"

	"github.com/wisplink/wisp/internal/proto"
	"github.com/wisplink/wisp/internal/util"
)

// Outcome is one recorded delivery outcome.
type Outcome struct {
	TS          int64  `json:"ts"`
	From        string `json:"from"`
	To          string `json:"to"`
	PayloadType string `json:"payloadType"`
	Delivered   bool   `json:"delivered"`
}

// AuditTrail keeps the most recent delivery outcomes in memory for the
// debug surface. It is an outcome consumer like the fallback dispatcher.
type AuditTrail struct {
	buf *util.RingBuffer[Outcome]
}

// NewAuditTrail keeps the last capacity outcomes; a non-positive capacity
// falls back to util.DefaultRingCapacity.
func NewAuditTrail(capacity int) *AuditTrail {
	return &AuditTrail{buf: util.NewRingBuffer[Outcome](capacity)}
}

// Record implements OutcomeFunc.
func (a *AuditTrail) Record(from, to string, payload *proto.Payload, delivered bool) {
	a.buf.Push(Outcome{
		TS:          time.Now().UnixMilli(),
		From:        from,
		To:          to,
		PayloadType: payload.Type,
		Delivered:   delivered,
	})
}

// Recent returns recorded outcomes, oldest first.
func (a *AuditTrail) Recent() []Outcome {
	return a.buf.Snapshot()
}
