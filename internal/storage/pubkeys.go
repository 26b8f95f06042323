package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a directory or cache lookup misses.
var ErrNotFound = errors.New("not found")

// UpsertPubkey stores or replaces the published public key for an identity
// in the server-side directory.
func (d *DB) UpsertPubkey(id, publicKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO pubkeys (identity, public_key, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(identity) DO UPDATE SET
			public_key = excluded.public_key,
			updated_at = CURRENT_TIMESTAMP`,
		id, publicKey,
	)
	if err != nil {
		return fmt.Errorf("upsert pubkey: %w", err)
	}
	return nil
}

// GetPubkey returns the published public key for an identity.
func (d *DB) GetPubkey(id string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var pk string
	err := d.db.QueryRow(`SELECT public_key FROM pubkeys WHERE identity = ?`, id).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get pubkey: %w", err)
	}
	return pk, nil
}

// CachePubkey stores a remote identity's public key in the client-side
// best-effort cache.
func (d *DB) CachePubkey(id, publicKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO pubkey_cache (identity, public_key, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(identity) DO UPDATE SET
			public_key = excluded.public_key,
			updated_at = CURRENT_TIMESTAMP`,
		id, publicKey,
	)
	if err != nil {
		return fmt.Errorf("cache pubkey: %w", err)
	}
	return nil
}

// CachedPubkey returns the cached public key for an identity, or ErrNotFound.
func (d *DB) CachedPubkey(id string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var pk string
	err := d.db.QueryRow(`SELECT public_key FROM pubkey_cache WHERE identity = ?`, id).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("cached pubkey: %w", err)
	}
	return pk, nil
}

// InvalidatePubkey drops an identity from the client-side cache, forcing the
// next lookup to hit the directory.
func (d *DB) InvalidatePubkey(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM pubkey_cache WHERE identity = ?`, id)
	if err != nil {
		return fmt.Errorf("invalidate pubkey: %w", err)
	}
	return nil
}
