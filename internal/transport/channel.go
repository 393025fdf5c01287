// ABOUTME: Duplex, message-framed channel contract used by OpAMP sessions
// ABOUTME: Chunks carry a payload, an end-of-message flag, and a message kind

package transport

import (
	"context"
	"errors"
)

// ErrPrematureClose indicates the peer dropped the connection without a close handshake.
var ErrPrematureClose = errors.New("connection closed prematurely")

// Close codes passed to Channel.Close.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseInternalError = 1011
)

// ChunkKind identifies the kind of message a chunk belongs to.
type ChunkKind int

const (
	KindBinary ChunkKind = iota
	KindText
	KindClose
)

func (k ChunkKind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindText:
		return "text"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// Chunk is one piece of a transport-level message.
// Payload is only valid until the next call to Receive.
type Chunk struct {
	Payload []byte
	Final   bool
	Kind    ChunkKind
}

// Channel is a duplex connection to one agent.
type Channel interface {
	// Receive blocks until the next chunk arrives. A KindClose chunk signals
	// that the peer closed the channel.
	Receive(ctx context.Context) (Chunk, error)

	// Send writes one complete binary message.
	Send(ctx context.Context, data []byte) error

	// Close closes the channel. Calling it more than once is safe.
	Close(code int, reason string) error

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}
