// Package keyring manages the device keypair and the best-effort cache of
// other identities' public keys, and diagnoses decryption failures caused by
// key rotation.
package keyring

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/wisplink/wisp/internal/directory"
	"github.com/wisplink/wisp/internal/envelope"
	"github.com/wisplink/wisp/internal/storage"
)

var log = logging.Logger("keyring")

var (
	// ErrNoKeypair means no local keypair exists yet; sending encrypted
	// messages is a blocking error until one is created.
	ErrNoKeypair = errors.New("no local keypair")

	// ErrNoRecipientKey means neither the cache nor the directory knows a
	// public key for the recipient; the message must not be queued.
	ErrNoRecipientKey = errors.New("recipient has no published key")

	// ErrKeyRotated is the distinct diagnostic for a decryption failure
	// explained by a regenerated keypair: the directory publishes a key
	// that differs from the one held locally, so history sealed to the old
	// key is permanently unreadable.
	ErrKeyRotated = errors.New("keypair was regenerated; old messages are unreadable")
)

// Directory is the lookup/publish surface the keyring needs.
type Directory interface {
	Lookup(ctx context.Context, id string) (string, error)
	Publish(ctx context.Context, publicKey string) error
}

// Keyring binds the local device keypair, the persistent pubkey cache and
// the directory together for one identity.
type Keyring struct {
	self string
	db   *storage.DB
	dir  Directory
}

func New(self string, db *storage.DB, dir Directory) *Keyring {
	return &Keyring{self: self, db: db, dir: dir}
}

// Ensure returns the device keypair, creating and publishing one on first
// use. Publishing is best-effort: a directory outage leaves the keypair
// usable locally and the next Ensure retries the upload implicitly via
// Publish callers.
func (k *Keyring) Ensure(ctx context.Context) (envelope.Keypair, error) {
	stored, err := k.db.LocalKeypair()
	if err == nil {
		return envelope.Keypair{Public: stored.PublicKey, Private: stored.PrivateKey}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return envelope.Keypair{}, err
	}

	kp, err := envelope.Generate()
	if err != nil {
		return envelope.Keypair{}, err
	}
	if err := k.db.SaveLocalKeypair(storage.LocalKeypair{PublicKey: kp.Public, PrivateKey: kp.Private}); err != nil {
		return envelope.Keypair{}, err
	}
	log.Infof("generated device keypair for %s", k.self)

	if err := k.dir.Publish(ctx, kp.Public); err != nil {
		log.Warnf("publish device key: %v", err)
	}
	return kp, nil
}

// Keypair returns the stored keypair without creating one.
func (k *Keyring) Keypair() (envelope.Keypair, error) {
	stored, err := k.db.LocalKeypair()
	if errors.Is(err, storage.ErrNotFound) {
		return envelope.Keypair{}, ErrNoKeypair
	}
	if err != nil {
		return envelope.Keypair{}, err
	}
	return envelope.Keypair{Public: stored.PublicKey, Private: stored.PrivateKey}, nil
}

// RecipientKey resolves a recipient's public key, cache first, directory on
// miss. A directory hit refreshes the cache.
func (k *Keyring) RecipientKey(ctx context.Context, id string) (string, error) {
	if pk, err := k.db.CachedPubkey(id); err == nil {
		return pk, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	pk, err := k.dir.Lookup(ctx, id)
	if errors.Is(err, directory.ErrNotFound) {
		return "", ErrNoRecipientKey
	}
	if err != nil {
		return "", fmt.Errorf("lookup key for %s: %w", id, err)
	}
	if err := k.db.CachePubkey(id, pk); err != nil {
		log.Warnf("cache key for %s: %v", id, err)
	}
	return pk, nil
}

// Invalidate drops a cached key so the next send refetches it, e.g. after
// a receipt shows the recipient cannot decrypt.
func (k *Keyring) Invalidate(id string) error {
	return k.db.InvalidatePubkey(id)
}

// Diagnose classifies a decryption failure for a message addressed to the
// local identity. When the directory's published key for us differs from
// the locally held one, the keypair was regenerated (reinstall, cleared
// storage) and the failure is ErrKeyRotated; otherwise it stays a plain
// decryption error and Diagnose returns nil.
func (k *Keyring) Diagnose(ctx context.Context) error {
	kp, err := k.Keypair()
	if err != nil {
		return err
	}
	published, err := k.dir.Lookup(ctx, k.self)
	if err != nil {
		// No verdict without the directory; do not invent a rotation.
		return fmt.Errorf("diagnose: %w", err)
	}
	if published != kp.Public {
		return ErrKeyRotated
	}
	return nil
}
