// SPDX-License-Identifier: MIT

package model

import (
	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

type (
	EnvelopeType string
)

const (
	EnvelopeTypeEvent  EnvelopeType = "EVENT"
	EnvelopeTypeReq    EnvelopeType = "REQ"
	EnvelopeTypeClose  EnvelopeType = "CLOSE"
	EnvelopeTypeOK     EnvelopeType = "OK"
	EnvelopeTypeEOSE   EnvelopeType = "EOSE"
	EnvelopeTypeNotice EnvelopeType = "NOTICE"
	EnvelopeTypeClosed EnvelopeType = "CLOSED"
	EnvelopeTypeAuth   EnvelopeType = "AUTH"
)

// ParseMessage decodes one relay-to-client frame. EVENT payloads go
// through the lax ParseEvent codec; everything else passes through to
// the go-nostr envelope parser.
func ParseMessage(message []byte) (nostr.Envelope, error) {
	parsed := gjson.ParseBytes(message)
	if !parsed.IsArray() {
		return nil, errors.Wrap(ErrUnknownMessage, "frame is not a json array")
	}
	arr := parsed.Array()
	if len(arr) == 0 || arr[0].Type != gjson.String {
		return nil, errors.Wrap(ErrUnknownMessage, "frame has no label")
	}

	if EnvelopeType(arr[0].Str) == EnvelopeTypeEvent {
		if len(arr) < 2 {
			return nil, errors.Wrap(ErrMalformedEvent, "EVENT frame has no payload")
		}
		var envelope nostr.EventEnvelope
		eventRaw := arr[1]
		if len(arr) > 2 {
			subscriptionID := arr[1].Str
			envelope.SubscriptionID = &subscriptionID
			eventRaw = arr[2]
		}
		event, err := ParseEvent([]byte(eventRaw.Raw))
		if err != nil {
			return nil, errors.Wrap(err, "unmarshal event envelope")
		}
		envelope.Event = event.Event

		return &envelope, nil
	}

	// Passthrough to the original implementation.
	envelope := nostr.ParseMessage(message)
	if envelope == nil {
		return nil, ErrParseMessage
	}

	return envelope, nil
}
