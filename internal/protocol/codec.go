package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is the tagged envelope carried as one text message on the control
// channel. Payload stays raw until the caller decodes it by type.
type Frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InvalidMessageError reports a frame that could not be parsed at all.
type InvalidMessageError struct {
	Err error
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message: %v", e.Err)
}

func (e *InvalidMessageError) Unwrap() error { return e.Err }

// UnknownMessageError reports a frame with an unrecognized type tag.
type UnknownMessageError struct {
	Tag string
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Tag)
}

var knownTypes = map[MessageType]bool{
	TypeTunnelRegister:   true,
	TypeTunnelRegistered: true,
	TypeTunnelClose:      true,
	TypeHTTPRequest:      true,
	TypeHTTPResponse:     true,
	TypeHTTPChunk:        true,
	TypeHTTPEnd:          true,
	TypeHTTPError:        true,
	TypePing:             true,
	TypePong:             true,
	TypeError:            true,
}

// Encode serialises a frame with the given type and payload struct.
func Encode(t MessageType, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = b
	}
	data, err := json.Marshal(Frame{Type: t, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", t, err)
	}
	return data, nil
}

// Decode parses a text message into a frame, rejecting undecodable input with
// InvalidMessageError and unrecognized tags with UnknownMessageError.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &InvalidMessageError{Err: err}
	}
	if f.Type == "" {
		return nil, &InvalidMessageError{Err: fmt.Errorf("missing type tag")}
	}
	if !knownTypes[f.Type] {
		return nil, &UnknownMessageError{Tag: string(f.Type)}
	}
	return &f, nil
}

// DecodePayload unmarshals the frame payload into dst.
func (f *Frame) DecodePayload(dst any) error {
	if len(f.Payload) == 0 {
		return &InvalidMessageError{Err: fmt.Errorf("%s frame has no payload", f.Type)}
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return &InvalidMessageError{Err: fmt.Errorf("%s payload: %w", f.Type, err)}
	}
	return nil
}
