package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// localKeyID is the row key for the single device keypair. One keypair per
// device installation.
const localKeyID = "device"

// LocalKeypair is the device's long-lived asymmetric keypair, base64-encoded.
type LocalKeypair struct {
	PublicKey  string
	PrivateKey string
}

// SaveLocalKeypair persists the device keypair. It refuses to overwrite an
// existing keypair: regenerating keys orphans all previously received
// ciphertext, so replacement has to be an explicit wipe.
func (d *DB) SaveLocalKeypair(kp LocalKeypair) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		INSERT INTO local_keys (id, public_key, private_key)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		localKeyID, kp.PublicKey, kp.PrivateKey,
	)
	if err != nil {
		return fmt.Errorf("save keypair: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("device keypair already exists")
	}
	return nil
}

// LocalKeypair returns the device keypair, or ErrNotFound when none was
// generated yet.
func (d *DB) LocalKeypair() (LocalKeypair, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var kp LocalKeypair
	err := d.db.QueryRow(`SELECT public_key, private_key FROM local_keys WHERE id = ?`, localKeyID).
		Scan(&kp.PublicKey, &kp.PrivateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return LocalKeypair{}, ErrNotFound
	}
	if err != nil {
		return LocalKeypair{}, fmt.Errorf("load keypair: %w", err)
	}
	return kp, nil
}
