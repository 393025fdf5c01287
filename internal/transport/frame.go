// ABOUTME: Reassembles transport chunks into complete logical messages
// ABOUTME: Drops non-binary messages and ends the sequence on a peer close

package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
)

// FrameReader turns a stream of chunks from a Channel into whole messages.
// It is tied to a single connection and is not safe for concurrent use.
type FrameReader struct {
	ch     Channel
	buf    bytes.Buffer
	logger *slog.Logger

	// skipping is set while the chunks of a non-binary message are being dropped.
	skipping bool

	// err is the terminal error once the sequence has ended.
	err error
}

// NewFrameReader creates a FrameReader over ch.
func NewFrameReader(ch Channel, logger *slog.Logger) *FrameReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameReader{ch: ch, logger: logger}
}

// Next returns the next complete binary message.
// It returns io.EOF once the peer has closed the channel, and the transport
// error if receiving failed. After either, every later call returns the same error.
func (r *FrameReader) Next(ctx context.Context) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}

	for {
		chunk, err := r.ch.Receive(ctx)
		if err != nil {
			return nil, r.end(err)
		}

		switch chunk.Kind {
		case KindClose:
			return nil, r.end(io.EOF)

		case KindBinary:
			if !r.skipping {
				r.buf.Write(chunk.Payload)
			}

		default:
			if !r.skipping {
				r.logger.Warn("received non-binary message, ignoring", "kind", chunk.Kind.String())
				r.skipping = true
			}
		}

		if !chunk.Final {
			continue
		}

		if r.skipping {
			r.skipping = false
			r.buf.Reset()
			continue
		}

		if r.buf.Len() == 0 {
			continue
		}

		msg := bytes.Clone(r.buf.Bytes())
		r.buf.Reset()
		return msg, nil
	}
}

// end records the terminal error and discards any partial message.
func (r *FrameReader) end(err error) error {
	r.err = err
	r.buf = bytes.Buffer{}
	return err
}
