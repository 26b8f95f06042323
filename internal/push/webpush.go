package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/wisplink/wisp/internal/storage"
)

// WebPushProvider delivers notifications through the Web Push protocol with
// VAPID authentication.
type WebPushProvider struct {
	vapidPublic  string
	vapidPrivate string
	subscriber   string
	ttl          int
}

func NewWebPushProvider(vapidPublic, vapidPrivate, subscriber string) *WebPushProvider {
	return &WebPushProvider{
		vapidPublic:  vapidPublic,
		vapidPrivate: vapidPrivate,
		subscriber:   subscriber,
		ttl:          60,
	}
}

// Send pushes one message to one endpoint. A 404/410 from the push service
// means the subscription is permanently invalid and maps to ErrEndpointGone.
func (p *WebPushProvider) Send(ctx context.Context, sub storage.Subscription, message []byte) error {
	var s webpush.Subscription
	if err := json.Unmarshal([]byte(sub.Payload), &s); err != nil {
		// Unparseable credentials will never work; treat as gone.
		return fmt.Errorf("decode subscription %s: %v: %w", sub.EndpointID, err, ErrEndpointGone)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, message, &s, &webpush.Options{
		Subscriber:      p.subscriber,
		VAPIDPublicKey:  p.vapidPublic,
		VAPIDPrivateKey: p.vapidPrivate,
		TTL:             p.ttl,
	})
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("push service returned %d: %w", resp.StatusCode, ErrEndpointGone)
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}
