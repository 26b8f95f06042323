// Package push converts undelivered signals into push notifications.
// One best-effort attempt per delivery outcome: transient provider failures
// leave the endpoint registered for next time, permanent ones prune it.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode"

	logging "github.com/ipfs/go-log/v2"

	"github.com/wisplink/wisp/internal/proto"
	"github.com/wisplink/wisp/internal/storage"
)

var log = logging.Logger("push")

// ErrEndpointGone marks a permanent provider failure: the endpoint no
// longer exists and must be removed from the identity's registered set.
var ErrEndpointGone = errors.New("push endpoint gone")

// RedactedPreview replaces the body when the payload is encrypted; the
// server cannot decrypt it, so there is nothing honest to preview.
const RedactedPreview = "New encrypted message"

const previewLimit = 200

// Store is the persisted push-endpoint set the dispatcher reads and prunes.
type Store interface {
	ListSubscriptions(id string) ([]storage.Subscription, error)
	RemoveSubscription(id, endpointID string) error
}

// Provider delivers one push message to one endpoint.
type Provider interface {
	Send(ctx context.Context, sub storage.Subscription, message []byte) error
}

// Notification is the push data payload handed to the provider. The full
// original signal payload rides along opaquely so the client can process it
// after wake.
type Notification struct {
	Title string           `json:"title"`
	Body  string           `json:"body"`
	Data  NotificationData `json:"data"`
}

type NotificationData struct {
	From    string         `json:"from"`
	Payload *proto.Payload `json:"payload"`
}

// Dispatcher is the fallback path for signals no live, visible connection
// accepted.
type Dispatcher struct {
	store    Store
	provider Provider
	timeout  time.Duration
}

func NewDispatcher(store Store, provider Provider) *Dispatcher {
	return &Dispatcher{store: store, provider: provider, timeout: 10 * time.Second}
}

// OnDeliveryOutcome implements the relay's outcome consumer contract. It
// fires only on delivered=false and never propagates provider errors back
// across the relay boundary.
func (d *Dispatcher) OnDeliveryOutcome(from, to string, payload *proto.Payload, delivered bool) {
	if delivered {
		return
	}

	subs, err := d.store.ListSubscriptions(to)
	if err != nil {
		log.Errorf("list endpoints for %s: %v", to, err)
		return
	}
	subs = dedupeByEndpoint(subs)
	if len(subs) == 0 {
		log.Debugf("no push endpoints for %s", to)
		return
	}

	message, err := json.Marshal(buildNotification(from, payload))
	if err != nil {
		log.Errorf("marshal notification: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	// Each endpoint is attempted independently; one dead endpoint must not
	// starve the others.
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub storage.Subscription) {
			defer wg.Done()
			err := d.provider.Send(ctx, sub, message)
			if err == nil {
				return
			}
			if errors.Is(err, ErrEndpointGone) {
				log.Infof("pruning dead endpoint %s of %s", sub.EndpointID, to)
				if err := d.store.RemoveSubscription(to, sub.EndpointID); err != nil {
					log.Errorf("prune endpoint %s: %v", sub.EndpointID, err)
				}
				return
			}
			// Transient: keep the endpoint for the next occasion.
			log.Warnf("push to %s endpoint %s failed: %v", to, sub.EndpointID, err)
		}(sub)
	}
	wg.Wait()
}

func dedupeByEndpoint(subs []storage.Subscription) []storage.Subscription {
	seen := make(map[string]struct{}, len(subs))
	out := subs[:0]
	for _, s := range subs {
		if s.Endpoint == "" {
			continue
		}
		if _, ok := seen[s.Endpoint]; ok {
			continue
		}
		seen[s.Endpoint] = struct{}{}
		out = append(out, s)
	}
	return out
}

func buildNotification(from string, payload *proto.Payload) Notification {
	n := Notification{
		Title: fmt.Sprintf("New message from %s", titleCase(from)),
		Data:  NotificationData{From: from, Payload: payload},
	}
	switch payload.Type {
	case proto.PayloadChatMessage:
		if payload.Encrypted {
			n.Body = RedactedPreview
		} else {
			n.Body = preview(payload.Text)
		}
	case proto.PayloadCallOffer:
		n.Title = fmt.Sprintf("Incoming call from %s", titleCase(from))
	}
	return n
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit])
	}
	return text
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
