// Package codec abstracts the wire encoding used by the change-event
// transport so the framing can be switched between JSON and CBOR
// without touching the transport itself.
package codec

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Marshaler encodes values for the wire.
type Marshaler interface {
	Marshal(v any) ([]byte, error)
}

// Unmarshaler decodes wire bytes into values.
type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
}

// Codec is both halves of a wire encoding.
type Codec interface {
	Marshaler
	Unmarshaler
}

// JSON is the default codec. Change-event payloads from CRM platforms
// are JSON in practice, so it is also the decoder default.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

// CBOR frames messages with fxamacker/cbor. Offered for transports
// that negotiate a binary subprotocol.
type CBOR struct{}

func (CBOR) Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (CBOR) Unmarshal(data []byte, dst any) error {
	return cbor.Unmarshal(data, dst)
}
