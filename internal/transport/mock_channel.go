// ABOUTME: In-memory Channel implementation for tests
// ABOUTME: Scripted inbound chunks and recorded outbound messages

package transport

import (
	"context"
	"errors"
	"sync"
)

// errMockClosed is returned by a MockChannel after Close.
var errMockClosed = errors.New("mock channel closed")

type mockInbound struct {
	chunk Chunk
	err   error
}

// MockChannel is a Channel whose inbound side is scripted by the test.
type MockChannel struct {
	inbound chan mockInbound
	done    chan struct{}

	mu         sync.Mutex
	sent       [][]byte
	sendErr    error
	closeCalls int
	closeCode  int
}

// NewMockChannel creates an empty MockChannel.
func NewMockChannel() *MockChannel {
	return &MockChannel{
		inbound: make(chan mockInbound, 256),
		done:    make(chan struct{}),
	}
}

// PushChunk queues a single chunk.
func (m *MockChannel) PushChunk(c Chunk) {
	payload := append([]byte(nil), c.Payload...)
	m.inbound <- mockInbound{chunk: Chunk{Payload: payload, Final: c.Final, Kind: c.Kind}}
}

// PushMessage queues data as a binary message split into chunks of at most
// chunkSize bytes. A chunkSize <= 0 sends the whole message in one chunk.
func (m *MockChannel) PushMessage(data []byte, chunkSize int) {
	if chunkSize <= 0 || len(data) == 0 {
		m.PushChunk(Chunk{Payload: data, Final: true, Kind: KindBinary})
		return
	}
	for start := 0; start < len(data); start += chunkSize {
		end := min(start+chunkSize, len(data))
		m.PushChunk(Chunk{Payload: data[start:end], Final: end == len(data), Kind: KindBinary})
	}
}

// PushText queues a single-chunk text message.
func (m *MockChannel) PushText(s string) {
	m.PushChunk(Chunk{Payload: []byte(s), Final: true, Kind: KindText})
}

// PushClose queues a peer close signal.
func (m *MockChannel) PushClose() {
	m.inbound <- mockInbound{chunk: Chunk{Kind: KindClose, Final: true}}
}

// PushError queues a receive error.
func (m *MockChannel) PushError(err error) {
	m.inbound <- mockInbound{err: err}
}

// FailSends makes every later Send return err.
func (m *MockChannel) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Receive returns the next scripted chunk, blocking until one is queued,
// the context is done, or the channel is closed.
func (m *MockChannel) Receive(ctx context.Context) (Chunk, error) {
	select {
	case in := <-m.inbound:
		return in.chunk, in.err
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case <-m.done:
		return Chunk{}, errMockClosed
	}
}

// Send records data.
func (m *MockChannel) Send(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closeCalls > 0 {
		return errMockClosed
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, append([]byte(nil), data...))
	return nil
}

// Close marks the channel closed and unblocks pending receives.
func (m *MockChannel) Close(code int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCalls++
	if m.closeCalls == 1 {
		m.closeCode = code
		close(m.done)
	}
	return nil
}

// RemoteAddr returns a fixed placeholder address.
func (m *MockChannel) RemoteAddr() string {
	return "mock"
}

// Sent returns a copy of every message passed to Send.
func (m *MockChannel) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// CloseCalls reports how many times Close was called.
func (m *MockChannel) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// CloseCode returns the code passed to the first Close call.
func (m *MockChannel) CloseCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCode
}
