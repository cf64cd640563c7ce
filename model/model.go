// SPDX-License-Identifier: MIT

package model

import (
	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
)

type (
	TagMap    = nostr.TagMap
	Tag       = nostr.Tag
	Tags      = nostr.Tags
	Timestamp = nostr.Timestamp
	Kind      = int
	Filter    = nostr.Filter
	Filters   = nostr.Filters

	DeliveryState   uint8
	ConnectionState uint8

	// ChatMessage is what the engine hands to the terminal UI and the
	// visualizer: one decrypted direct message, or one locally sent one.
	ChatMessage struct {
		EventID   string
		Sender    string
		Recipient string
		Plaintext string
		CreatedAt Timestamp
		State     DeliveryState
	}

	// Confirmation is a relay's OK verdict on a previously published
	// event, delivered out-of-band of the publish call.
	Confirmation struct {
		RelayURL string
		EventID  string
		Accepted bool
		Reason   string
	}

	// EndpointStatus is a point-in-time snapshot of one relay session,
	// read by the status UI without locking. Staleness is tolerable.
	EndpointStatus struct {
		URL          string
		State        ConnectionState
		LastError    string
		Failures     uint32
		LastSeenUnix int64
	}
)

const (
	DeliveryStatePending DeliveryState = iota
	DeliveryStateSent
	DeliveryStateConfirmed
	DeliveryStateFailed
)

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateBackoff
)

const (
	KindEncryptedDirectMessage = nostr.KindEncryptedDirectMessage
)

var (
	ErrMalformedEvent  = errors.New("malformed event")
	ErrInvalidEncoding = errors.New("invalid encoding")
	ErrInvalidID       = errors.New("event id does not match canonical hash")
	ErrInvalidSig      = errors.New("event signature is invalid")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrParseMessage    = errors.New("parse message")
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryStatePending:
		return "pending"
	case DeliveryStateSent:
		return "sent"
	case DeliveryStateConfirmed:
		return "confirmed"
	case DeliveryStateFailed:
		return "failed"
	}

	return "unknown"
}

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateBackoff:
		return "backoff"
	}

	return "unknown"
}
