// SPDX-License-Identifier: MIT

// Package identity owns the process keypair. The private key lives in
// exactly one place, is never logged, and is zeroed on shutdown.
package identity

import (
	"encoding/hex"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/nuntius-im/nuntius/model"
)

const (
	// EnvVar is where the original nuntius clients look for the key.
	EnvVar = "NUNTIUS_NSEC"

	secretKeyHexLen = 64
)

var (
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	ErrNoKeyMaterial      = errors.New("no key material supplied")
	ErrZeroed             = errors.New("identity has been zeroed")
)

type (
	Identity struct {
		secretKey []byte // hex chars, wiped by Zero
		publicKey string
		npub      string
	}
)

// Load accepts the private key in nsec bech32 or raw hex, the two
// encodings the original clients write to disk.
func Load(secret string) (*Identity, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoKeyMaterial
	}
	if strings.HasPrefix(secret, "nsec") {
		prefix, value, err := nip19.Decode(secret)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidKeyMaterial, "bech32 decode: %v", err)
		}
		if prefix != "nsec" {
			return nil, errors.Wrapf(ErrInvalidKeyMaterial, "expected nsec, got %q", prefix)
		}
		secret = value.(string)
	}
	if len(secret) != secretKeyHexLen {
		return nil, errors.Wrapf(ErrInvalidKeyMaterial, "expected %d hex chars, got %d", secretKeyHexLen, len(secret))
	}
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKeyMaterial, "not hex: %v", err)
	}
	// The scalar must lie in [1, N): secp256k1 would otherwise reduce it
	// silently and sign under a different key than the user supplied.
	var scalar secp256k1.ModNScalar
	overflow := scalar.SetByteSlice(raw)
	zero := scalar.IsZero()
	scalar.Zero()
	if overflow {
		return nil, errors.Wrap(ErrInvalidKeyMaterial, "scalar not below the curve group order")
	}
	if zero {
		return nil, errors.Wrap(ErrInvalidKeyMaterial, "zero scalar")
	}
	publicKey, err := nostr.GetPublicKey(secret)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKeyMaterial, "derive public key: %v", err)
	}
	npub, err := nip19.EncodePublicKey(publicKey)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKeyMaterial, "encode npub: %v", err)
	}

	return &Identity{secretKey: []byte(secret), publicKey: publicKey, npub: npub}, nil
}

// LoadFromEnv reads NUNTIUS_NSEC, falling back to the given key file.
// Failing fast here is the contract: no relay connection may be
// attempted with a broken identity.
func LoadFromEnv(keyFilePath string) (*Identity, error) {
	if secret := os.Getenv(EnvVar); secret != "" {
		return Load(secret)
	}
	if keyFilePath == "" {
		return nil, errors.Wrapf(ErrNoKeyMaterial, "%s not set and no key file given", EnvVar)
	}
	data, err := os.ReadFile(keyFilePath)
	if err != nil {
		return nil, errors.Wrapf(ErrNoKeyMaterial, "read key file %q: %v", keyFilePath, err)
	}

	return Load(string(data))
}

// Generate makes a fresh keypair, returned in bech32 form.
func Generate() (nsec, npub string, err error) {
	secret := nostr.GeneratePrivateKey()
	publicKey, err := nostr.GetPublicKey(secret)
	if err != nil {
		return "", "", errors.Wrap(err, "derive public key")
	}
	if nsec, err = nip19.EncodePrivateKey(secret); err != nil {
		return "", "", errors.Wrap(err, "encode nsec")
	}
	if npub, err = nip19.EncodePublicKey(publicKey); err != nil {
		return "", "", errors.Wrap(err, "encode npub")
	}

	return nsec, npub, nil
}

func (i *Identity) PublicKey() string {
	return i.publicKey
}

func (i *Identity) Npub() string {
	return i.npub
}

// Sign computes the event id over the canonical serialization and signs
// it with the held key.
func (i *Identity) Sign(event *model.Event) error {
	if len(i.secretKey) == 0 {
		return ErrZeroed
	}

	return errors.Wrap(event.Sign(string(i.secretKey)), "sign event")
}

// SecretHex hands the key to the crypto engine for shared-secret
// derivation. Nothing else should touch the scalar.
func (i *Identity) SecretHex() (string, error) {
	if len(i.secretKey) == 0 {
		return "", ErrZeroed
	}

	return string(i.secretKey), nil
}

// Zero wipes the private scalar. The identity is unusable afterwards.
func (i *Identity) Zero() {
	for ix := range i.secretKey {
		i.secretKey[ix] = 0
	}
	i.secretKey = i.secretKey[:0]
}
