package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for envelopes that violate the wire format.
var ErrMalformed = errors.New("malformed envelope")

// Codec converts envelopes to and from a single frame of bytes.
type Codec interface {
	Name() string
	Encode(env Envelope) ([]byte, error)
	Decode(frame []byte) (Envelope, error)
}

// Codec names accepted by CodecByName.
const (
	CodecBinary = "binary"
	CodecJSON   = "json"
)

// CodecByName resolves a codec from its configuration name.
// An empty name selects the binary codec.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecBinary:
		return Binary, nil
	case CodecJSON:
		return JSON, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

var (
	// Binary encodes envelopes with the protobuf wire format.
	Binary Codec = binaryCodec{}
	// JSON encodes envelopes as tagged JSON objects.
	JSON Codec = jsonCodec{}
)

const (
	fieldKind    protowire.Number = 1
	fieldID      protowire.Number = 2
	fieldAction  protowire.Number = 3
	fieldData    protowire.Number = 4
	fieldMessage protowire.Number = 5
	fieldStack   protowire.Number = 6
)

type binaryCodec struct{}

func (binaryCodec) Name() string { return CodecBinary }

func (binaryCodec) Encode(env Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}

	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Kind()))

	switch e := env.(type) {
	case *Data:
		b = appendID(b, e.ID)
		b = appendString(b, fieldAction, e.Action)
		b = appendBytes(b, fieldData, e.Payload)
	case *Ack:
		b = appendID(b, e.ID)
		b = appendBytes(b, fieldData, e.Payload)
	case *ErrorAck:
		b = appendID(b, e.ID)
		b = appendString(b, fieldMessage, e.Message)
		if e.Stack != "" {
			b = appendString(b, fieldStack, e.Stack)
		}
	}
	return b, nil
}

func appendID(b []byte, id uint64) []byte {
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	return protowire.AppendVarint(b, id)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func (binaryCodec) Decode(frame []byte) (Envelope, error) {
	var (
		kind    Kind
		id      uint64
		action  string
		data    []byte
		message string
		stack   string
	)

	for len(frame) > 0 {
		num, typ, n := protowire.ConsumeTag(frame)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		frame = frame[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(frame)
			if n < 0 {
				return nil, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(n))
			}
			kind = Kind(v)
			frame = frame[n:]
		case num == fieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(frame)
			if n < 0 {
				return nil, fmt.Errorf("%w: id: %v", ErrMalformed, protowire.ParseError(n))
			}
			id = v
			frame = frame[n:]
		case typ == protowire.BytesType && num >= fieldAction && num <= fieldStack:
			v, n := protowire.ConsumeBytes(frame)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			switch num {
			case fieldAction:
				action = string(v)
			case fieldData:
				data = append([]byte(nil), v...)
			case fieldMessage:
				message = string(v)
			case fieldStack:
				stack = string(v)
			}
			frame = frame[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, frame)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			frame = frame[n:]
		}
	}

	var env Envelope
	switch kind {
	case KindReady:
		env = &Ready{}
	case KindData:
		env = &Data{ID: id, Action: action, Payload: data}
	case KindAck:
		env = &Ack{ID: id, Payload: data}
	case KindErrorAck:
		env = &ErrorAck{ID: id, Message: message, Stack: stack}
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, kind)
	}
	if err := Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

type jsonCodec struct{}

// jsonEnvelope is the tagged object form, e.g. {"type":"DATA","id":1,"action":"x","data":{}}.
type jsonEnvelope struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Action  string          `json:"action,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Stack   string          `json:"stack,omitempty"`
}

func (jsonCodec) Name() string { return CodecJSON }

func (jsonCodec) Encode(env Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}
	out := jsonEnvelope{Type: env.Kind().String()}
	switch e := env.(type) {
	case *Data:
		out.ID, out.Action, out.Data = e.ID, e.Action, orNull(e.Payload)
	case *Ack:
		out.ID, out.Data = e.ID, orNull(e.Payload)
	case *ErrorAck:
		out.ID, out.Message, out.Stack = e.ID, e.Message, e.Stack
	}
	return json.Marshal(out)
}

func orNull(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	return p
}

func (jsonCodec) Decode(frame []byte) (Envelope, error) {
	var in jsonEnvelope
	if err := json.Unmarshal(frame, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kind, ok := kindFromTag(in.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, in.Type)
	}

	var env Envelope
	switch kind {
	case KindReady:
		env = &Ready{}
	case KindData:
		env = &Data{ID: in.ID, Action: in.Action, Payload: in.Data}
	case KindAck:
		env = &Ack{ID: in.ID, Payload: in.Data}
	case KindErrorAck:
		env = &ErrorAck{ID: in.ID, Message: in.Message, Stack: in.Stack}
	}
	if err := Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}
