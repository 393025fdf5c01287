// ABOUTME: Protobuf codec for OpAMP AgentToServer and ServerToAgent messages
// ABOUTME: Handles the optional WebSocket message header and reports typed decode errors

package opamp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/open-telemetry/opamp-go/protobufs"
	"google.golang.org/protobuf/proto"
)

// ErrMalformed is matched by every DecodeError.
var ErrMalformed = errors.New("malformed agent message")

// wsHeader is the only header value defined for OpAMP WebSocket messages.
const wsHeader = 0

// DecodeError reports a payload that is not a valid AgentToServer encoding.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %d byte message: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports DecodeError as ErrMalformed.
func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

// EncodeError reports a ServerToAgent that could not be serialized.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("encoding server message: %v", e.Err) }

func (e *EncodeError) Unwrap() error { return e.Err }

// Codec converts between wire payloads and OpAMP messages.
// When Header is set, encoded messages are prefixed with the OpAMP WebSocket
// header. Decoding accepts payloads with or without the header either way.
type Codec struct {
	Header bool
}

// DefaultCodec writes the WebSocket header, as current OpAMP agents expect.
var DefaultCodec = Codec{Header: true}

// Decode parses an AgentToServer message using DefaultCodec.
func Decode(data []byte) (*protobufs.AgentToServer, error) {
	return DefaultCodec.Decode(data)
}

// Encode serializes a ServerToAgent message using DefaultCodec.
func Encode(msg *protobufs.ServerToAgent) ([]byte, error) {
	return DefaultCodec.Encode(msg)
}

// Decode parses data into an AgentToServer.
// A leading zero byte can never start a protobuf message (field number 0 is
// invalid), so it is treated as the header and stripped.
func (c Codec) Decode(data []byte) (*protobufs.AgentToServer, error) {
	payload := data
	if len(payload) > 0 && payload[0] == wsHeader {
		payload = payload[1:]
	}

	var msg protobufs.AgentToServer
	if err := proto.Unmarshal(payload, &msg); err != nil {
		return nil, &DecodeError{Size: len(data), Err: err}
	}
	return &msg, nil
}

// Encode serializes msg, buffering the whole message.
func (c Codec) Encode(msg *protobufs.ServerToAgent) ([]byte, error) {
	if msg == nil {
		return nil, &EncodeError{Err: errors.New("nil message")}
	}

	var out []byte
	if c.Header {
		out = binary.AppendUvarint(out, wsHeader)
	}

	out, err := proto.MarshalOptions{Deterministic: true}.MarshalAppend(out, msg)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return out, nil
}
