// Package envelope encodes and decodes the control envelope carried on the
// control channel. Only the routing fields are typed; command bodies are
// kept as raw protobuf fields for the handler that owns them.
package envelope

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type Command uint32

const (
	CommandNone                   Command = 0
	CommandGetDeviceInformation   Command = 20
	CommandGetDeviceFeatures      Command = 28
	CommandUpdateComponentSegment Command = 92
	CommandApplyFirmware          Command = 93
)

func (c Command) String() string {
	switch c {
	case CommandGetDeviceInformation:
		return "get_device_information"
	case CommandGetDeviceFeatures:
		return "get_device_features"
	case CommandUpdateComponentSegment:
		return "update_component_segment"
	case CommandApplyFirmware:
		return "apply_firmware"
	default:
		return fmt.Sprintf("command(%d)", uint32(c))
	}
}

type ErrorCode uint32

const (
	ErrorSuccess     ErrorCode = 0
	ErrorUnknown     ErrorCode = 1
	ErrorInternal    ErrorCode = 2
	ErrorUnsupported ErrorCode = 3
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorSuccess:
		return "success"
	case ErrorUnknown:
		return "unknown"
	case ErrorInternal:
		return "internal"
	case ErrorUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("error_code(%d)", uint32(e))
	}
}

// Envelope field numbers. Command payload fields reuse the command number.
const (
	FieldCommand                protowire.Number = 1
	FieldResponse               protowire.Number = 9
	FieldUpdateComponentSegment protowire.Number = 92
	FieldApplyFirmware          protowire.Number = 93
)

// Response field numbers.
const (
	FieldErrorCode         protowire.Number = 1
	FieldDeviceInformation protowire.Number = 3
	FieldDeviceFeatures    protowire.Number = 28
)

type Response struct {
	ErrorCode ErrorCode
	// Fields holds the response payload and anything else besides error_code.
	Fields []Field
}

// Payload returns the body of the length-delimited response field num.
func (r Response) Payload(num protowire.Number) ([]byte, bool) {
	f, ok := GetField(r.Fields, num)
	if !ok || f.Type != protowire.BytesType {
		return nil, false
	}
	return f.Value, true
}

// ControlEnvelope is a decoded control message. A non-nil Response marks it
// as a reply; otherwise it is a command.
type ControlEnvelope struct {
	Command  Command
	Response *Response
	// Fields holds every other top level field in wire order.
	Fields []Field
}

func (e ControlEnvelope) IsResponse() bool { return e.Response != nil }

// Payload returns the body of the length-delimited envelope field num.
func (e ControlEnvelope) Payload(num protowire.Number) ([]byte, bool) {
	f, ok := GetField(e.Fields, num)
	if !ok || f.Type != protowire.BytesType {
		return nil, false
	}
	return f.Value, true
}

func NewCommand(cmd Command, fields ...Field) ControlEnvelope {
	return ControlEnvelope{Command: cmd, Fields: fields}
}

func NewResponse(cmd Command, code ErrorCode, fields ...Field) ControlEnvelope {
	return ControlEnvelope{Command: cmd, Response: &Response{ErrorCode: code, Fields: fields}}
}

// Marshal encodes e. Zero scalars are omitted, as proto3 does.
func Marshal(e ControlEnvelope) []byte {
	var out []byte
	if e.Command != CommandNone {
		out = AppendField(out, VarintField(FieldCommand, uint64(e.Command)))
	}
	if e.Response != nil {
		var body []byte
		if e.Response.ErrorCode != ErrorSuccess {
			body = AppendField(body, VarintField(FieldErrorCode, uint64(e.Response.ErrorCode)))
		}
		for _, f := range e.Response.Fields {
			body = AppendField(body, f)
		}
		out = AppendField(out, BytesField(FieldResponse, body))
	}
	for _, f := range e.Fields {
		out = AppendField(out, f)
	}
	return out
}

func Unmarshal(b []byte) (ControlEnvelope, error) {
	fields, err := DecodeFields(b)
	if err != nil {
		return ControlEnvelope{}, err
	}
	var e ControlEnvelope
	for _, f := range fields {
		switch f.Number {
		case FieldCommand:
			v, ok := f.Uint()
			if !ok {
				return ControlEnvelope{}, fmt.Errorf("%w: command field has wire type %d", ErrMalformed, f.Type)
			}
			e.Command = Command(v)
		case FieldResponse:
			if f.Type != protowire.BytesType {
				return ControlEnvelope{}, fmt.Errorf("%w: response field has wire type %d", ErrMalformed, f.Type)
			}
			r, err := unmarshalResponse(f.Value)
			if err != nil {
				return ControlEnvelope{}, err
			}
			e.Response = &r
		default:
			e.Fields = append(e.Fields, f)
		}
	}
	return e, nil
}

func unmarshalResponse(b []byte) (Response, error) {
	fields, err := DecodeFields(b)
	if err != nil {
		return Response{}, fmt.Errorf("response: %w", err)
	}
	var r Response
	for _, f := range fields {
		if f.Number == FieldErrorCode {
			v, ok := f.Uint()
			if !ok {
				return Response{}, fmt.Errorf("%w: error_code has wire type %d", ErrMalformed, f.Type)
			}
			r.ErrorCode = ErrorCode(v)
			continue
		}
		r.Fields = append(r.Fields, f)
	}
	return r, nil
}

// Codec adapts Marshal and Unmarshal to the dispatcher's codec interface.
type Codec struct{}

func (Codec) Decode(payload []byte) (ControlEnvelope, error) { return Unmarshal(payload) }

func (Codec) Encode(e ControlEnvelope) ([]byte, error) { return Marshal(e), nil }
