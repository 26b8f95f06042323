// Package chat drives encrypted one-to-one messaging on the client: sealing
// outgoing messages to the recipient's key, opening incoming ones with the
// device key, recording everything in the local message log and exchanging
// delivery receipts.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/wisplink/wisp/internal/envelope"
	"github.com/wisplink/wisp/internal/keyring"
	"github.com/wisplink/wisp/internal/proto"
	"github.com/wisplink/wisp/internal/storage"
)

var log = logging.Logger("chat")

// CannotDecryptPlaceholder is shown in place of message text when the
// sealed box will not open.
const CannotDecryptPlaceholder = "[cannot decrypt this message]"

// SignalSender emits signals toward the relay; the websocket client
// satisfies it.
type SignalSender interface {
	SendSignal(to string, payload *proto.Payload) error
}

// Event is one message surfaced to the UI layer.
type Event struct {
	From           string
	Text           string
	TS             int64
	Encrypted      bool
	Undecipherable bool
	// KeyRotated is set when decryption failed and the directory shows our
	// published key differs from the local one: history is gone for good,
	// which the UI must surface distinctly from a one-off bad message.
	KeyRotated bool
}

// Manager owns the client-side chat flow for one identity.
type Manager struct {
	self string
	ring *keyring.Keyring
	db   *storage.DB
	out  SignalSender

	mu        sync.Mutex
	listeners []chan Event
}

func New(self string, ring *keyring.Keyring, db *storage.DB, out SignalSender) *Manager {
	return &Manager{self: self, ring: ring, db: db, out: out}
}

// Send encrypts text for the recipient and emits it through the relay. Two
// sealed boxes are produced: the recipient's copy goes over the wire, our
// own copy lands in the local log so sent history survives restarts. A
// missing local keypair or recipient key is a blocking error; the message
// is not queued.
func (m *Manager) Send(ctx context.Context, to, text string) error {
	kp, err := m.ring.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("local keypair: %w", err)
	}
	recipientKey, err := m.ring.RecipientKey(ctx, to)
	if err != nil {
		return err
	}

	dual, err := envelope.SealDual(text, recipientKey, kp.Public)
	if err != nil {
		return err
	}

	ts := proto.NowMillis()
	payload := &proto.Payload{
		Type:      proto.PayloadChatMessage,
		Encrypted: true,
		Text:      dual.ForRecipient,
		TS:        ts,
	}
	if err := m.out.SendSignal(to, payload); err != nil {
		return err
	}

	if err := m.db.AppendMessage(storage.Message{
		Sender:    m.self,
		Recipient: to,
		Body:      dual.ForSelf,
		Encrypted: true,
		TS:        ts,
		Status:    "pending",
		LocalCopy: true,
	}); err != nil {
		log.Errorf("append sent message: %v", err)
	}
	return nil
}

// HandleSignal consumes chat_message and chat_receipt payloads delivered by
// the transport. Other payload types are ignored; the call manager owns
// those.
func (m *Manager) HandleSignal(ctx context.Context, from string, p *proto.Payload) {
	switch p.Type {
	case proto.PayloadChatMessage:
		m.handleMessage(ctx, from, p)
	case proto.PayloadChatReceipt:
		m.handleReceipt(from, p)
	}
}

func (m *Manager) handleMessage(ctx context.Context, from string, p *proto.Payload) {
	evt := Event{From: from, TS: p.TS, Encrypted: p.Encrypted, Text: p.Text}
	logged := p.Text

	if p.Encrypted {
		kp, err := m.ring.Keypair()
		if err != nil {
			evt.Text = CannotDecryptPlaceholder
			evt.Undecipherable = true
		} else if plain, err := envelope.Open(p.Text, kp); err != nil {
			evt.Text = CannotDecryptPlaceholder
			evt.Undecipherable = true
			if diag := m.ring.Diagnose(ctx); errors.Is(diag, keyring.ErrKeyRotated) {
				evt.KeyRotated = true
				log.Warnf("message from %s undecipherable: %v", from, diag)
			} else {
				log.Debugf("message from %s undecipherable", from)
			}
		} else {
			evt.Text = plain
		}
		// The log keeps the ciphertext; plaintext never touches disk.
	}

	if err := m.db.AppendMessage(storage.Message{
		Sender:    from,
		Recipient: m.self,
		Body:      logged,
		Encrypted: p.Encrypted,
		TS:        p.TS,
	}); err != nil {
		log.Errorf("append received message: %v", err)
	}

	// Acknowledge delivery so the sender's copy flips from pending.
	receipt := &proto.Payload{
		Type:   proto.PayloadChatReceipt,
		TS:     p.TS,
		Status: proto.StatusDelivered,
	}
	if err := m.out.SendSignal(from, receipt); err != nil {
		log.Debugf("receipt to %s failed: %v", from, err)
	}

	m.emit(evt)
}

func (m *Manager) handleReceipt(from string, p *proto.Payload) {
	matched, err := m.db.SetDeliveryStatus(from, p.TS, p.Status)
	if err != nil {
		log.Errorf("update delivery status: %v", err)
		return
	}
	if !matched {
		log.Debugf("receipt from %s matched no local message (ts=%d)", from, p.TS)
	}
}

// History returns the conversation with an identity, oldest first. Bodies
// of encrypted records are ciphertext sealed to this device.
func (m *Manager) History(id string) ([]storage.Message, error) {
	return m.db.Conversation(id)
}

// Sent returns everything this identity has sent, for the sent-history view.
func (m *Manager) Sent() ([]storage.Message, error) {
	return m.db.MessagesBySender(m.self)
}

// Subscribe returns a channel of incoming message events and a cancel
// function.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	m.mu.Lock()
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		for i, l := range m.listeners {
			if l == ch {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				close(ch)
				break
			}
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) emit(evt Event) {
	m.mu.Lock()
	for _, ch := range m.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	m.mu.Unlock()
}
