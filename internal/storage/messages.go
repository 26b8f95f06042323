package storage

import "fmt"

// Message is one record in the local append log. Body holds ciphertext for
// encrypted messages (the copy sealed to the device's own key for sent
// history) or plaintext otherwise.
type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Body      string
	Encrypted bool
	TS        int64
	Status    string
	LocalCopy bool
}

// AppendMessage appends one record to the local message log.
func (d *DB) AppendMessage(m Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO messages (sender, recipient, body, encrypted, ts, status, local_copy)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Sender, m.Recipient, m.Body, boolInt(m.Encrypted), m.TS, m.Status, boolInt(m.LocalCopy),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// MessagesBySender returns all log records sent by the given identity,
// oldest first.
func (d *DB) MessagesBySender(id string) ([]Message, error) {
	return d.queryMessages(`
		SELECT id, sender, recipient, body, encrypted, ts, status, local_copy
		FROM messages WHERE sender = ? ORDER BY ts`, id)
}

// Conversation returns all records exchanged with the given identity in
// either direction, oldest first.
func (d *DB) Conversation(id string) ([]Message, error) {
	return d.queryMessages(`
		SELECT id, sender, recipient, body, encrypted, ts, status, local_copy
		FROM messages WHERE sender = ? OR recipient = ? ORDER BY ts`, id, id)
}

// SetDeliveryStatus updates the delivery status on the locally stored copy
// of a sent message, matched by recipient and timestamp the way receipts
// reference it. Returns whether a record matched.
func (d *DB) SetDeliveryStatus(recipient string, ts int64, status string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		UPDATE messages SET status = ?
		WHERE recipient = ? AND ts = ? AND local_copy = 1`,
		status, recipient, ts,
	)
	if err != nil {
		return false, fmt.Errorf("set delivery status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *DB) queryMessages(query string, args ...any) ([]Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var enc, local int
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &enc, &m.TS, &m.Status, &local); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Encrypted = enc != 0
		m.LocalCopy = local != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
