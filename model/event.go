// SPDX-License-Identifier: MIT

package model

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

type (
	Event struct {
		nostr.Event
	}
)

// ComputeID hashes the canonical NIP-01 serialization. Any two clients
// must agree on these bytes or cross-client verification breaks, so the
// serialization itself is delegated to go-nostr and never reimplemented.
func (e *Event) ComputeID() string {
	hash := sha256.Sum256(e.Serialize())

	return hex.EncodeToString(hash[:])
}

// Validate rejects an event before it enters the system: the id must
// equal the hash of the canonical serialization, and the schnorr
// signature must verify against the id and the author pubkey.
func (e *Event) Validate() error {
	if e.ID != e.ComputeID() {
		return errors.Wrapf(ErrInvalidID, "id %q", e.ID)
	}
	ok, err := e.CheckSignature()
	if err != nil {
		return errors.Wrapf(ErrInvalidSig, "pubkey %q: %v", e.PubKey, err)
	}
	if !ok {
		return errors.Wrapf(ErrInvalidSig, "pubkey %q", e.PubKey)
	}

	return nil
}

func (e *Event) GetTag(tagName string) Tag {
	for _, tag := range e.Tags {
		if tag.Key() == tagName {
			return tag
		}
	}

	return nil
}

// Recipient returns the pubkey the event is addressed to via its first
// `p` tag, or "" when it carries none.
func (e *Event) Recipient() string {
	if tag := e.GetTag("p"); tag != nil {
		return tag.Value()
	}

	return ""
}

// ParseEvent decodes the wire JSON of a single event. It is lax where
// NIP-01 is lax (absent tags array becomes empty) and strict everywhere
// else: missing required fields are ErrMalformedEvent, wrong types or
// non-hex ids/keys/signatures are ErrInvalidEncoding.
func ParseEvent(data []byte) (*Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.Wrap(ErrMalformedEvent, "not valid json")
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return nil, errors.Wrap(ErrMalformedEvent, "event is not a json object")
	}
	for _, field := range []string{"id", "pubkey", "created_at", "kind", "content", "sig"} {
		if !parsed.Get(field).Exists() {
			return nil, errors.Wrapf(ErrMalformedEvent, "missing required field %q", field)
		}
	}

	var ev Event
	var err error
	if ev.ID, err = requireHex(parsed.Get("id"), sha256.Size*2); err != nil {
		return nil, errors.Wrap(err, "id")
	}
	if ev.PubKey, err = requireHex(parsed.Get("pubkey"), 64); err != nil {
		return nil, errors.Wrap(err, "pubkey")
	}
	if ev.Sig, err = requireHex(parsed.Get("sig"), 128); err != nil {
		return nil, errors.Wrap(err, "sig")
	}
	createdAt := parsed.Get("created_at")
	if createdAt.Type != gjson.Number {
		return nil, errors.Wrap(ErrInvalidEncoding, "created_at is not a number")
	}
	ev.CreatedAt = Timestamp(createdAt.Int())
	kind := parsed.Get("kind")
	if kind.Type != gjson.Number {
		return nil, errors.Wrap(ErrInvalidEncoding, "kind is not a number")
	}
	ev.Kind = int(kind.Int())
	content := parsed.Get("content")
	if content.Type != gjson.String {
		return nil, errors.Wrap(ErrInvalidEncoding, "content is not a string")
	}
	ev.Content = content.Str
	if ev.Tags, err = parseTags(parsed.Get("tags")); err != nil {
		return nil, err
	}

	return &ev, nil
}

func parseTags(tags gjson.Result) (Tags, error) {
	if !tags.Exists() {
		return make(Tags, 0), nil
	}
	if !tags.IsArray() {
		return nil, errors.Wrap(ErrInvalidEncoding, "tags is not an array")
	}
	items := tags.Array()
	result := make(Tags, 0, len(items))
	for i, item := range items {
		if !item.IsArray() {
			return nil, errors.Wrapf(ErrInvalidEncoding, "tag %d is not an array", i)
		}
		elems := item.Array()
		tag := make(Tag, 0, len(elems))
		for j, elem := range elems {
			if elem.Type != gjson.String {
				return nil, errors.Wrapf(ErrInvalidEncoding, "tag %d element %d is not a string", i, j)
			}
			tag = append(tag, elem.Str)
		}
		result = append(result, tag)
	}

	return result, nil
}

func requireHex(field gjson.Result, length int) (string, error) {
	if field.Type != gjson.String {
		return "", errors.Wrap(ErrInvalidEncoding, "not a string")
	}
	if len(field.Str) != length {
		return "", errors.Wrapf(ErrInvalidEncoding, "expected %d hex chars, got %d", length, len(field.Str))
	}
	if _, err := hex.DecodeString(field.Str); err != nil {
		return "", errors.Wrapf(ErrInvalidEncoding, "not hex: %v", err)
	}

	return field.Str, nil
}
