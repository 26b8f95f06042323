// Package envelope implements the end-to-end encryption envelope: sealed-box
// encryption to a recipient's public key, plus the dual-copy encoding that
// keeps sent history readable by its author.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// KeySize is the length of both halves of a keypair.
const KeySize = 32

var (
	// ErrDecrypt is a sealed-box open failure. Wrong key, truncated or
	// tampered ciphertext all look the same by design; key-rotation
	// diagnosis is the keyring's job.
	ErrDecrypt = errors.New("cannot decrypt message")

	ErrBadKey = errors.New("malformed public key")
)

// Keypair is one device's asymmetric keypair, base64-encoded for storage
// and directory upload.
type Keypair struct {
	Public  string
	Private string
}

// Generate creates a fresh sealed-box keypair.
func Generate() (Keypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Keypair{
		Public:  base64.StdEncoding.EncodeToString(pub[:]),
		Private: base64.StdEncoding.EncodeToString(priv[:]),
	}, nil
}

// Seal encrypts plaintext to a base64 public key, returning base64
// ciphertext. Sealed boxes authenticate nothing about the sender; only the
// holder of the matching private key can open the result.
func Seal(plaintext string, publicKey string) (string, error) {
	pub, err := decodeKey(publicKey)
	if err != nil {
		return "", err
	}
	sealed, err := box.SealAnonymous(nil, []byte(plaintext), pub, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts base64 sealed-box ciphertext with the given keypair. Any
// failure is ErrDecrypt: corrupted plaintext is never returned.
func Open(ciphertext string, kp Keypair) (string, error) {
	pub, err := decodeKey(kp.Public)
	if err != nil {
		return "", err
	}
	priv, err := decodeKey(kp.Private)
	if err != nil {
		return "", err
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding", ErrDecrypt)
	}
	plain, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Dual is the two-copy encoding of one outgoing message: ForRecipient goes
// over the relay, ForSelf is persisted locally so the sender can re-read
// their own sent history after a restart.
type Dual struct {
	ForRecipient string
	ForSelf      string
}

// SealDual produces two independent sealed boxes of the same plaintext, one
// to the recipient's key and one to the sender's own.
func SealDual(plaintext, recipientPublic, ownPublic string) (Dual, error) {
	toRecipient, err := Seal(plaintext, recipientPublic)
	if err != nil {
		return Dual{}, fmt.Errorf("seal for recipient: %w", err)
	}
	toSelf, err := Seal(plaintext, ownPublic)
	if err != nil {
		return Dual{}, fmt.Errorf("seal for self: %w", err)
	}
	return Dual{ForRecipient: toRecipient, ForSelf: toSelf}, nil
}

func decodeKey(b64 string) (*[KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != KeySize {
		return nil, ErrBadKey
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}
