// SPDX-License-Identifier: MIT

// Package dm encrypts and decrypts direct-message payloads. The payload
// scheme is a pinned configuration choice, never hard-coded: nip04 is
// the legacy shared-secret scheme the original nuntius clients speak,
// nip44 the versioned one. Both address kind-4 events with a `p` tag and
// both match the published NIP bit-for-bit so third-party clients can
// decrypt.
package dm

import (
	"crypto/rand"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/nuntius-im/nuntius/identity"
	"github.com/nuntius-im/nuntius/model"
)

type (
	Scheme string

	Config struct {
		Scheme string `yaml:"scheme" mapstructure:"scheme"`
	}

	// Cipher is the crypto engine: key agreement plus symmetric
	// encryption of DM payloads for one local identity.
	Cipher struct {
		scheme Scheme
		id     *identity.Identity
	}
)

const (
	SchemeNIP04 Scheme = "nip04"
	SchemeNIP44 Scheme = "nip44"
)

var (
	ErrDecrypt         = errors.New("decrypt failed")
	ErrUnknownScheme   = errors.New("unknown dm scheme")
	ErrSecretAgreement = errors.New("shared secret agreement failed")
)

func ParseScheme(value string) (Scheme, error) {
	switch Scheme(value) {
	case SchemeNIP04, "":
		return SchemeNIP04, nil
	case SchemeNIP44:
		return SchemeNIP44, nil
	}

	return "", errors.Wrapf(ErrUnknownScheme, "%q", value)
}

func New(scheme Scheme, id *identity.Identity) *Cipher {
	return &Cipher{scheme: scheme, id: id}
}

func (c *Cipher) Scheme() Scheme {
	return c.scheme
}

// Kind is the event kind DMs are published under. Both schemes ride
// kind 4 here; the receiving side dispatches on payload shape.
func (c *Cipher) Kind() model.Kind {
	return model.KindEncryptedDirectMessage
}

// SharedSecret derives the conversation secret with the given peer.
// Agreement is symmetric: our key with their pubkey equals their key
// with our pubkey, so either side can initiate.
func (c *Cipher) SharedSecret(theirPubKey string) ([]byte, error) {
	secretHex, err := c.id.SecretHex()
	if err != nil {
		return nil, errors.Wrap(err, "identity")
	}
	var secret []byte
	switch c.scheme {
	case SchemeNIP04:
		secret, err = nip04.ComputeSharedSecret(theirPubKey, secretHex)
	case SchemeNIP44:
		secret, err = nip44.GenerateConversationKey(theirPubKey, secretHex)
	default:
		return nil, errors.Wrapf(ErrUnknownScheme, "%q", c.scheme)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrSecretAgreement, "peer %q: %v", theirPubKey, err)
	}

	return secret, nil
}

// Encrypt seals the plaintext under the conversation secret. A fresh
// cryptographically random nonce is drawn inside the NIP implementation
// on every call; nonces are never counter-based.
func (c *Cipher) Encrypt(plaintext string, secret []byte) (string, error) {
	switch c.scheme {
	case SchemeNIP04:
		content, err := nip04.Encrypt(plaintext, secret)

		return content, errors.Wrap(err, "nip04 encrypt")
	case SchemeNIP44:
		key, err := conversationKey(secret)
		if err != nil {
			return "", err
		}
		// go-nostr v0.35.0 (the newest release buildable with Go 1.21)
		// never populates its default nonce — a shadowed variable leaves
		// it nil — so the fresh random nonce is drawn here and handed to
		// the library through its own option.
		nonce := make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			return "", errors.Wrap(err, "nip44 nonce")
		}
		content, err := nip44.Encrypt(plaintext, key[:], nip44.WithCustomNonce(nonce))

		return content, errors.Wrap(err, "nip44 encrypt")
	}

	return "", errors.Wrapf(ErrUnknownScheme, "%q", c.scheme)
}

// conversationKey fixes the secret's size for the nip44 primitives,
// which take a 32-byte conversation key rather than a slice.
func conversationKey(secret []byte) ([32]byte, error) {
	var key [32]byte
	if len(secret) != len(key) {
		return key, errors.Wrapf(ErrSecretAgreement, "conversation key must be %d bytes, got %d", len(key), len(secret))
	}
	copy(key[:], secret)

	return key, nil
}

// Decrypt opens a payload. Failure never returns partial plaintext: the
// caller gets ErrDecrypt and drops the event, since it may simply be
// addressed to someone else or use a scheme this engine does not speak.
func (c *Cipher) Decrypt(content string, secret []byte) (string, error) {
	var plaintext string
	var err error
	switch c.scheme {
	case SchemeNIP04:
		plaintext, err = nip04.Decrypt(content, secret)
	case SchemeNIP44:
		var key [32]byte
		if key, err = conversationKey(secret); err != nil {
			return "", err
		}
		plaintext, err = nip44.Decrypt(content, key[:])
	default:
		return "", errors.Wrapf(ErrUnknownScheme, "%q", c.scheme)
	}
	if err != nil {
		return "", errors.Wrapf(ErrDecrypt, "%v", err)
	}

	return plaintext, nil
}
