// Package protocol defines the envelopes exchanged between a plugin host and
// its worker process, and the codecs that put them on the wire.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an envelope variant.
type Kind uint8

const (
	KindReady    Kind = 0x01 // Handshake signal, carries no payload
	KindData     Kind = 0x02 // Request, expects exactly one reply
	KindAck      Kind = 0x03 // Successful reply
	KindErrorAck Kind = 0x04 // Failed reply
)

// String returns the wire tag of the kind.
func (k Kind) String() string {
	switch k {
	case KindReady:
		return "READY"
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindErrorAck:
		return "ERR_ACK"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func kindFromTag(tag string) (Kind, bool) {
	switch tag {
	case "READY":
		return KindReady, true
	case "DATA":
		return KindData, true
	case "ACK":
		return KindAck, true
	case "ERR_ACK":
		return KindErrorAck, true
	}
	return 0, false
}

// Envelope is one unit of traffic on a channel. It is exactly one of
// *Ready, *Data, *Ack or *ErrorAck.
type Envelope interface {
	Kind() Kind
	envelope()
}

// Reply is implemented by the envelopes that answer a Data envelope.
type Reply interface {
	Envelope
	ReplyID() uint64
}

// Ready announces that the sender is able to process requests.
type Ready struct{}

// Data is a request for the peer to perform Action with Payload.
type Data struct {
	ID      uint64
	Action  string
	Payload json.RawMessage
}

// Ack carries the successful result of the request with the same ID.
type Ack struct {
	ID      uint64
	Payload json.RawMessage
}

// ErrorAck reports that the request with the same ID failed.
type ErrorAck struct {
	ID      uint64
	Message string
	Stack   string
}

func (*Ready) Kind() Kind    { return KindReady }
func (*Data) Kind() Kind     { return KindData }
func (*Ack) Kind() Kind      { return KindAck }
func (*ErrorAck) Kind() Kind { return KindErrorAck }

func (*Ready) envelope()    {}
func (*Data) envelope()     {}
func (*Ack) envelope()      {}
func (*ErrorAck) envelope() {}

func (a *Ack) ReplyID() uint64      { return a.ID }
func (e *ErrorAck) ReplyID() uint64 { return e.ID }

// Validate checks the structural rules every envelope must satisfy
// before it is sent or after it is decoded.
func Validate(env Envelope) error {
	switch e := env.(type) {
	case *Ready:
		return nil
	case *Data:
		if e.ID == 0 {
			return fmt.Errorf("%w: data envelope without id", ErrMalformed)
		}
		if e.Action == "" {
			return fmt.Errorf("%w: data envelope %d without action", ErrMalformed, e.ID)
		}
	case *Ack:
		if e.ID == 0 {
			return fmt.Errorf("%w: ack envelope without id", ErrMalformed)
		}
	case *ErrorAck:
		if e.ID == 0 {
			return fmt.Errorf("%w: error ack envelope without id", ErrMalformed)
		}
	case nil:
		return fmt.Errorf("%w: nil envelope", ErrMalformed)
	default:
		return fmt.Errorf("%w: unsupported envelope %T", ErrMalformed, env)
	}
	return nil
}

// Marshal encodes v as an envelope payload. A nil value encodes as JSON null.
func Marshal(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b, nil
}

// Unmarshal decodes an envelope payload into v. An empty payload leaves v untouched.
func Unmarshal(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
