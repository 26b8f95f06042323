// Package relay validates and routes signal envelopes between identities.
// Delivery targets are the recipient's live, visible connections; the
// delivered/undelivered outcome of every relay call is reported exactly once
// to all registered outcome consumers.
package relay

import (
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/wisplink/wisp/internal/presence"
	"github.com/wisplink/wisp/internal/proto"
)

var log = logging.Logger("relay")

// OutcomeFunc consumes one delivery outcome. Consumers must not block for
// long; the relay invokes them off the per-message critical path but on a
// single dispatch goroutine per relay call.
type OutcomeFunc func(from, to string, payload *proto.Payload, delivered bool)

// Relay routes envelopes through the presence registry.
type Relay struct {
	reg *presence.Registry

	mu        sync.RWMutex
	consumers []OutcomeFunc
}

func New(reg *presence.Registry) *Relay {
	return &Relay{reg: reg}
}

// OnOutcome registers a delivery-outcome consumer (fallback dispatcher,
// audit trail). Consumers registered after a relay call do not see it.
func (r *Relay) OnOutcome(fn OutcomeFunc) {
	r.mu.Lock()
	r.consumers = append(r.consumers, fn)
	r.mu.Unlock()
}

// Relay validates env and fans it out to every live, visible connection of
// env.To. It returns delivered=true iff at least one send succeeded. The
// whole envelope is rejected on validation failure; nothing is partially
// delivered. The delivered determination completes before any outcome
// consumer (and therefore any push dispatch) runs.
func (r *Relay) Relay(env proto.Envelope) (bool, error) {
	if env.To == "" {
		return false, proto.ErrEmptyRecipient
	}
	if err := proto.ValidateSignal(env.Payload); err != nil {
		return false, err
	}

	targets := r.reg.ConnectionsOf(env.To)
	delivered := false

	if len(targets) > 0 {
		// Serialize once; each target gets the same bytes.
		frame, err := json.Marshal(proto.Frame{
			Type:    proto.FrameSignal,
			From:    env.From,
			Payload: env.Payload,
		})
		if err != nil {
			return false, fmt.Errorf("marshal signal: %w", err)
		}

		for _, c := range targets {
			if !c.Visible() {
				// A backgrounded tab must not eat a message that a push
				// notification would otherwise surface.
				continue
			}
			if err := c.Send(frame); err != nil {
				log.Warnf("send to one connection of %s failed: %v", env.To, err)
				continue
			}
			delivered = true
		}
	}

	r.dispatchOutcome(env.From, env.To, env.Payload, delivered)
	return delivered, nil
}

// dispatchOutcome reports the outcome to every consumer, exactly once per
// relay call, on a separate goroutine so directory lookups and push provider
// calls never block the relay.
func (r *Relay) dispatchOutcome(from, to string, payload *proto.Payload, delivered bool) {
	r.mu.RLock()
	consumers := make([]OutcomeFunc, len(r.consumers))
	copy(consumers, r.consumers)
	r.mu.RUnlock()

	if len(consumers) == 0 {
		return
	}
	go func() {
		for _, fn := range consumers {
			fn(from, to, payload, delivered)
		}
	}()
}
