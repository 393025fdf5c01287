// ABOUTME: Channel implementation over a coder/websocket connection
// ABOUTME: Splits each WebSocket message into bounded chunks and classifies close errors

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultChunkSize is the read buffer size used when none is configured.
const DefaultChunkSize = 4 * 1024

// WebSocketChannel adapts a websocket.Conn to the Channel interface.
type WebSocketChannel struct {
	conn       *websocket.Conn
	remoteAddr string
	buf        []byte

	// cur is the reader for the message currently being received.
	cur     io.Reader
	curKind ChunkKind

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketChannel wraps conn. chunkSize bounds the payload of each chunk;
// values <= 0 select DefaultChunkSize.
func NewWebSocketChannel(conn *websocket.Conn, remoteAddr string, chunkSize int) *WebSocketChannel {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &WebSocketChannel{
		conn:       conn,
		remoteAddr: remoteAddr,
		buf:        make([]byte, chunkSize),
	}
}

// Receive reads the next chunk of the current message, starting a new
// message when the previous one has been fully read.
func (c *WebSocketChannel) Receive(ctx context.Context) (Chunk, error) {
	if c.cur == nil {
		typ, r, err := c.conn.Reader(ctx)
		if err != nil {
			return c.classify(err)
		}
		c.cur = r
		c.curKind = KindBinary
		if typ == websocket.MessageText {
			c.curKind = KindText
		}
	}

	n, err := c.cur.Read(c.buf)
	chunk := Chunk{Payload: c.buf[:n], Kind: c.curKind}

	// Message readers report the end of a message with a bare io.EOF.
	if err == io.EOF {
		chunk.Final = true
		c.cur = nil
		return chunk, nil
	}
	if err != nil {
		c.cur = nil
		return c.classify(err)
	}
	return chunk, nil
}

// classify maps websocket read errors onto the Channel contract.
func (c *WebSocketChannel) classify(err error) (Chunk, error) {
	if websocket.CloseStatus(err) != -1 {
		return Chunk{Kind: KindClose, Final: true}, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return Chunk{}, fmt.Errorf("%w: %v", ErrPrematureClose, err)
	}
	return Chunk{}, fmt.Errorf("receiving message: %w", err)
}

// Send writes data as a single binary message.
func (c *WebSocketChannel) Send(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Close performs the close handshake once; later calls return the first result.
func (c *WebSocketChannel) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		err := c.conn.Close(websocket.StatusCode(code), reason)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// RemoteAddr returns the peer address captured at accept time.
func (c *WebSocketChannel) RemoteAddr() string {
	return c.remoteAddr
}

// KeepAlive pings the peer every interval until ctx is done or a ping fails.
// A ping only completes while another goroutine is reading, which the session
// loop always is.
func (c *WebSocketChannel) KeepAlive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("pinging peer: %w", err)
			}
		}
	}
}
