package storage

import "fmt"

// Subscription is one registered push endpoint for an identity. Payload is
// the provider-specific subscription object (endpoint URL plus delivery
// credentials), stored opaquely as JSON.
type Subscription struct {
	Identity   string
	EndpointID string
	Endpoint   string
	Payload    string
}

// AddSubscription registers a push endpoint for an identity. Re-registering
// an existing endpoint refreshes its credentials rather than duplicating it.
// The whole operation is one statement, so it cannot race the pruning path.
func (d *DB) AddSubscription(s Subscription) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO subscriptions (identity, endpoint_id, endpoint, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity, endpoint_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			payload  = excluded.payload`,
		s.Identity, s.EndpointID, s.Endpoint, s.Payload,
	)
	if err != nil {
		return fmt.Errorf("add subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns all push endpoints registered for an identity.
func (d *DB) ListSubscriptions(id string) ([]Subscription, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT identity, endpoint_id, endpoint, payload
		FROM subscriptions WHERE identity = ?
		ORDER BY created_at`, id)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.Identity, &s.EndpointID, &s.Endpoint, &s.Payload); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RemoveSubscription deletes exactly one endpoint from an identity's set.
// A single DELETE keyed by (identity, endpoint_id) is an atomic
// read-modify-write against the persisted set, so a concurrent subscribe
// for a different endpoint is never lost.
func (d *DB) RemoveSubscription(id, endpointID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM subscriptions WHERE identity = ? AND endpoint_id = ?`, id, endpointID)
	if err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return nil
}

// HasSubscription reports whether an identity has at least one endpoint and
// returns the endpoint URLs (never the credentials).
func (d *DB) HasSubscription(id string) (bool, []string, error) {
	subs, err := d.ListSubscriptions(id)
	if err != nil {
		return false, nil, err
	}
	endpoints := make([]string, 0, len(subs))
	for _, s := range subs {
		endpoints = append(endpoints, s.Endpoint)
	}
	return len(endpoints) > 0, endpoints, nil
}
